package config

// Root is the top-level shape of airports.json.
type Root struct {
	Config   *Global            `json:"config,omitempty"`
	Airports map[string]Airport `json:"airports"`
}

// Global holds hub-wide defaults and overrides.
type Global struct {
	LogDir               string `json:"log_dir,omitempty"`
	PoolSize             int    `json:"pool_size,omitempty"`
	CurlConnectTimeoutS  int    `json:"curl_connect_timeout_seconds,omitempty"`
	CurlTimeoutS         int    `json:"curl_timeout_seconds,omitempty"`
	RTSPMaxRuntimeS      int    `json:"rtsp_max_runtime_seconds,omitempty"`
	RTSPDefaultTimeoutUS int    `json:"rtsp_default_timeout_microseconds,omitempty"`
	HealthPort           int    `json:"health_port,omitempty"`

	// Variant matrix defaults (spec §3 "Variant matrix", §4.7 step 5).
	VariantHeights       []int    `json:"variant_heights,omitempty"`
	PrivilegedHeight     int      `json:"privileged_height,omitempty"`
	EnabledFormats       []string `json:"enabled_formats,omitempty"`
	WebcamRetentionHours int      `json:"webcam_retention_hours,omitempty"`
	WeatherRetentionHours int     `json:"weather_retention_hours,omitempty"`
}

// Airport is one AirportConfig entry, keyed by airport id in Root.Airports.
type Airport struct {
	Name                   string          `json:"name"`
	ICAO                   string          `json:"icao"`
	Lat                    float64         `json:"lat"`
	Lon                    float64         `json:"lon"`
	Timezone               string          `json:"timezone,omitempty"`
	ElevationFt            float64         `json:"elevation_ft,omitempty"`
	WebcamRefreshSeconds   int             `json:"webcam_refresh_seconds,omitempty"`
	WeatherRefreshSeconds  int             `json:"weather_refresh_seconds,omitempty"`
	StaleWarningSeconds    int             `json:"stale_warning_seconds,omitempty"`
	StaleErrorSeconds      int             `json:"stale_error_seconds,omitempty"`
	StaleFailClosedSeconds int             `json:"stale_failclosed_seconds,omitempty"`
	Webcams                []Webcam        `json:"webcams,omitempty"`
	WeatherSources         []WeatherSource `json:"weather_sources,omitempty"`
}

// WebcamType enumerates the spec's named acquisition kinds plus the onvif
// enrichment (SPEC_FULL §3/§5).
type WebcamType string

const (
	WebcamMJPEG      WebcamType = "mjpeg"
	WebcamStaticJPEG WebcamType = "static_jpeg"
	WebcamStaticPNG  WebcamType = "static_png"
	WebcamRTSP       WebcamType = "rtsp"
	WebcamPush       WebcamType = "push"
	WebcamFederated  WebcamType = "aviationwx_api"
	WebcamONVIF      WebcamType = "onvif"
)

// RTSPTransport is the ffmpeg rtsp_transport option.
type RTSPTransport string

const (
	RTSPTransportTCP RTSPTransport = "tcp"
	RTSPTransportUDP RTSPTransport = "udp"
)

// AuthScheme is the HTTP auth scheme for pull webcams.
type AuthScheme string

const (
	AuthSchemeBasic  AuthScheme = "basic"
	AuthSchemeDigest AuthScheme = "digest"
)

// Webcam describes one camera/webcam source within an airport.
type Webcam struct {
	Name           string        `json:"name"`
	URL            string        `json:"url"`
	Type           WebcamType    `json:"type,omitempty"`
	RTSPTransport  RTSPTransport `json:"rtsp_transport,omitempty"`
	RefreshSeconds int           `json:"refresh_seconds,omitempty"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	AuthScheme     AuthScheme    `json:"auth_scheme,omitempty"`
	PushConfig     *PushConfig   `json:"push_config,omitempty"`

	// VariantHeights overrides Global.VariantHeights for this camera when set.
	VariantHeights []int `json:"variant_heights,omitempty"`
}

// PushConfig configures the per-webcam inbox for the push acquisition
// strategy (embedded SFTP ingestion, see internal/sftpserver).
type PushConfig struct {
	Protocol          string   `json:"protocol"` // not read: every push webcam gets an embedded-SFTP login and a scanned inbox
	Username          string   `json:"username"`
	Password          string   `json:"password"`
	MaxFileSizeMB     int      `json:"max_file_size_mb,omitempty"`
	AllowedExtensions []string `json:"allowed_extensions,omitempty"`
}

// WeatherSource declares one weather collaborator for an airport. The wire
// format used to actually talk to it is an external collaborator contract
// (spec Non-goals) — this type only carries what the hub needs to poll it
// and to know whether it is the primary or the backup.
type WeatherSource struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	URL      string `json:"url,omitempty"`
	Backup   bool   `json:"backup,omitempty"`
}
