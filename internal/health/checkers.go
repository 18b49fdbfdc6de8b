package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
)

// SidecarChecker reports readiness of the speech-model sidecar by opening a
// TCP connection to its WebSocket endpoint host. A full protocol handshake is
// deliberately avoided: readiness probes run often and must stay cheap.
func SidecarChecker(wsURL string) Checker {
	return Checker{
		Name: "sidecar",
		Check: func(ctx context.Context) error {
			u, err := url.Parse(wsURL)
			if err != nil {
				return fmt.Errorf("parse sidecar url: %w", err)
			}
			host := u.Host
			if u.Port() == "" {
				switch u.Scheme {
				case "wss":
					host = net.JoinHostPort(u.Hostname(), "443")
				default:
					host = net.JoinHostPort(u.Hostname(), "80")
				}
			}
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", host)
			if err != nil {
				return fmt.Errorf("dial sidecar: %w", err)
			}
			return conn.Close()
		},
	}
}

// TranscoderChecker reports whether the configured transcoder executable can
// be resolved on this host.
func TranscoderChecker(path string) Checker {
	return Checker{
		Name: "transcoder",
		Check: func(_ context.Context) error {
			if _, err := exec.LookPath(path); err != nil {
				return fmt.Errorf("transcoder %q: %w", path, err)
			}
			return nil
		},
	}
}

// TenantsChecker reports whether the tenant configuration directory is
// readable.
func TenantsChecker(dir string) Checker {
	return Checker{
		Name: "tenants",
		Check: func(_ context.Context) error {
			if _, err := os.ReadDir(dir); err != nil {
				return fmt.Errorf("read tenants dir: %w", err)
			}
			return nil
		},
	}
}

// Pinger is the subset of a database pool used for readiness probing.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker reports readiness of the session history database.
func DatabaseChecker(db Pinger) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			if err := db.Ping(ctx); err != nil {
				return fmt.Errorf("ping database: %w", err)
			}
			return nil
		},
	}
}
