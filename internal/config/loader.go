package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Load reads and validates airports.json at path.
func Load(path string) (*Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var root Root
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&root)

	if err := Validate(&root); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &root, nil
}

// applyDefaults fills in optional fields with the values the rest of the
// hub assumes when they are absent from airports.json.
func applyDefaults(r *Root) {
	if r.Config == nil {
		r.Config = &Global{}
	}
	if r.Config.PoolSize == 0 {
		r.Config.PoolSize = 4
	}
	if r.Config.CurlConnectTimeoutS == 0 {
		r.Config.CurlConnectTimeoutS = 10
	}
	if r.Config.CurlTimeoutS == 0 {
		r.Config.CurlTimeoutS = 20
	}
	if r.Config.RTSPMaxRuntimeS == 0 {
		r.Config.RTSPMaxRuntimeS = 15
	}
	if r.Config.RTSPDefaultTimeoutUS == 0 {
		r.Config.RTSPDefaultTimeoutUS = 10_000_000
	}
	if r.Config.HealthPort == 0 {
		r.Config.HealthPort = 8080
	}

	for id, airport := range r.Airports {
		if airport.WebcamRefreshSeconds == 0 {
			airport.WebcamRefreshSeconds = 60
		}
		if airport.WeatherRefreshSeconds == 0 {
			airport.WeatherRefreshSeconds = 120
		}
		if airport.StaleWarningSeconds == 0 {
			airport.StaleWarningSeconds = airport.WebcamRefreshSeconds * 3
		}
		if airport.StaleErrorSeconds == 0 {
			airport.StaleErrorSeconds = airport.WebcamRefreshSeconds * 10
		}
		if airport.StaleFailClosedSeconds == 0 {
			airport.StaleFailClosedSeconds = airport.WebcamRefreshSeconds * 30
		}
		for i := range airport.Webcams {
			if airport.Webcams[i].Type == "" {
				airport.Webcams[i].Type = WebcamStaticJPEG
			}
			if airport.Webcams[i].RefreshSeconds == 0 {
				airport.Webcams[i].RefreshSeconds = airport.WebcamRefreshSeconds
			}
			if airport.Webcams[i].Type == WebcamRTSP && airport.Webcams[i].RTSPTransport == "" {
				airport.Webcams[i].RTSPTransport = RTSPTransportTCP
			}
			if airport.Webcams[i].AuthScheme == "" {
				airport.Webcams[i].AuthScheme = AuthSchemeBasic
			}
		}
		r.Airports[id] = airport
	}
}
