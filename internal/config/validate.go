package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateServers(); err != nil {
		return err
	}
	if err := c.validateCameras(); err != nil {
		return err
	}
	if err := c.validateTransfer(); err != nil {
		return err
	}
	if err := c.validateDetector(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be >= 0")
	}
	return nil
}

func (c *Config) validateServers() error {
	seen := make(map[string]struct{}, len(c.Servers))
	for i, srv := range c.Servers {
		if srv.Name == "" {
			return fmt.Errorf("servers[%d].name must be set", i)
		}
		if _, dup := seen[srv.Name]; dup {
			return fmt.Errorf("servers[%d].name %q is duplicated", i, srv.Name)
		}
		seen[srv.Name] = struct{}{}
		if err := validateHTTPURL(srv.URL); err != nil {
			return fmt.Errorf("servers[%d].url: %w", i, err)
		}
	}
	return nil
}

func (c *Config) validateCameras() error {
	servers := make(map[string]struct{}, len(c.Servers))
	for _, srv := range c.Servers {
		servers[srv.Name] = struct{}{}
	}
	seen := make(map[string]struct{}, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.Name == "" {
			return fmt.Errorf("cameras[%d].name must be set", i)
		}
		if strings.ContainsAny(cam.Name, "/\\") {
			return fmt.Errorf("cameras[%d].name %q must not contain path separators", i, cam.Name)
		}
		if _, dup := seen[cam.Name]; dup {
			return fmt.Errorf("cameras[%d].name %q is duplicated", i, cam.Name)
		}
		seen[cam.Name] = struct{}{}
		if err := validateHTTPURL(cam.URL); err != nil {
			return fmt.Errorf("cameras[%d].url: %w", i, err)
		}
		if cam.Server != "" {
			if _, ok := servers[cam.Server]; !ok {
				return fmt.Errorf("cameras[%d].server %q is not a configured server", i, cam.Server)
			}
		}
	}
	return nil
}

func (c *Config) validateTransfer() error {
	switch c.Transfer.Mode {
	case TransferNone:
		return nil
	case TransferSFTP:
		if strings.TrimSpace(c.Transfer.Host) == "" {
			return errors.New("transfer.host must be set when transfer.mode is sftp")
		}
		if strings.TrimSpace(c.Transfer.User) == "" {
			return errors.New("transfer.user must be set when transfer.mode is sftp")
		}
		if c.Transfer.Password == "" && c.Transfer.KeyPath == "" {
			return errors.New("transfer.password or transfer.key_path must be set when transfer.mode is sftp")
		}
		return nil
	case TransferHTTP:
		if err := validateHTTPURL(c.Transfer.HTTPURL); err != nil {
			return fmt.Errorf("transfer.http_url: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("transfer.mode must be none, sftp, or http, got %q", c.Transfer.Mode)
	}
}

func (c *Config) validateDetector() error {
	switch c.Detector.Mode {
	case DetectorPassthrough:
		return nil
	case DetectorProcess:
		if c.Detector.Command == "" {
			return errors.New("detector.command must be set when detector.mode is process")
		}
		return nil
	default:
		return fmt.Errorf("detector.mode must be passthrough or process, got %q", c.Detector.Mode)
	}
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("must be set")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("host must be set")
	}
	return nil
}
