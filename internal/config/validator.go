package config

import (
	"fmt"
)

// Validate checks an airports.json Root for the constraints named in the
// configuration schema (icao format, coordinate ranges, push username
// uniqueness, etc).
func Validate(r *Root) error {
	if len(r.Airports) == 0 {
		return fmt.Errorf("at least one airport is required")
	}

	pushUsernames := make(map[string]string) // username -> "<airport>/<webcam>"

	for id, airport := range r.Airports {
		if err := validateAirport(airport); err != nil {
			return fmt.Errorf("airport %q: %w", id, err)
		}

		for _, cam := range airport.Webcams {
			if cam.Type == WebcamPush {
				if cam.PushConfig == nil {
					return fmt.Errorf("airport %q webcam %q: push_config is required for push type", id, cam.Name)
				}
				if cam.PushConfig.Username == "" {
					return fmt.Errorf("airport %q webcam %q: push_config.username is required", id, cam.Name)
				}
				if owner, exists := pushUsernames[cam.PushConfig.Username]; exists {
					return fmt.Errorf("push username %q is not globally unique: used by %s and %s/%s",
						cam.PushConfig.Username, owner, id, cam.Name)
				}
				pushUsernames[cam.PushConfig.Username] = fmt.Sprintf("%s/%s", id, cam.Name)
			}
		}
	}

	return nil
}

func validateAirport(a Airport) error {
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(a.ICAO) < 3 || len(a.ICAO) > 4 {
		return fmt.Errorf("icao must be 3-4 characters, got %q", a.ICAO)
	}
	for _, r := range a.ICAO {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("icao must be uppercase letters, got %q", a.ICAO)
		}
	}
	if a.Lat < -90 || a.Lat > 90 {
		return fmt.Errorf("lat out of range [-90,90]: %v", a.Lat)
	}
	if a.Lon < -180 || a.Lon > 180 {
		return fmt.Errorf("lon out of range [-180,180]: %v", a.Lon)
	}
	if a.ElevationFt < 0 {
		return fmt.Errorf("elevation_ft must be >= 0: %v", a.ElevationFt)
	}

	for i, cam := range a.Webcams {
		if err := validateWebcam(cam); err != nil {
			return fmt.Errorf("webcam[%d] %q: %w", i, cam.Name, err)
		}
	}
	for i, ws := range a.WeatherSources {
		if ws.Type == "" {
			return fmt.Errorf("weather_sources[%d]: type is required", i)
		}
	}

	return nil
}

func validateWebcam(cam Webcam) error {
	if cam.Name == "" {
		return fmt.Errorf("name is required")
	}
	if cam.Type != WebcamPush && cam.URL == "" {
		return fmt.Errorf("url is required for type %q", cam.Type)
	}

	switch cam.Type {
	case WebcamMJPEG, WebcamStaticJPEG, WebcamStaticPNG, WebcamRTSP, WebcamPush, WebcamFederated, WebcamONVIF:
	default:
		return fmt.Errorf("unsupported type %q", cam.Type)
	}

	if cam.Type == WebcamRTSP && cam.RTSPTransport != "" &&
		cam.RTSPTransport != RTSPTransportTCP && cam.RTSPTransport != RTSPTransportUDP {
		return fmt.Errorf("rtsp_transport must be tcp or udp, got %q", cam.RTSPTransport)
	}

	if cam.AuthScheme != "" && cam.AuthScheme != AuthSchemeBasic && cam.AuthScheme != AuthSchemeDigest {
		return fmt.Errorf("auth_scheme must be basic or digest, got %q", cam.AuthScheme)
	}

	return nil
}
