package connection

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
)

// Descriptor is the resolved parameter set for opening a physical tenant
// database connection. It is derived per switch, never stored.
type Descriptor struct {
	Driver    string
	Host      string
	Port      int
	Username  string
	Password  string
	Database  string
	Charset   string
	Collation string
	SSLMode   string
	Options   map[string]string
}

// DSN renders the descriptor as a connection URL.
func (d *Descriptor) DSN() string {
	u := url.URL{
		Scheme: dsnScheme(d.Driver),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Database,
	}
	if d.Username != "" {
		u.User = url.UserPassword(d.Username, d.Password)
	}
	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	for k, v := range d.Options {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func dsnScheme(driver string) string {
	if driver == "pgsql" {
		return "postgres"
	}
	return driver
}

// LogValue renders the descriptor for structured logging with the
// password redacted. Descriptors must never reach logs in raw form.
func (d *Descriptor) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("driver", d.Driver),
		slog.String("host", d.Host),
		slog.Int("port", d.Port),
		slog.String("username", d.Username),
		slog.String("database", d.Database),
	}
	if d.Password != "" {
		attrs = append(attrs, slog.String("password", "********"))
	}
	if len(d.Options) > 0 {
		keys := make([]string, 0, len(d.Options))
		for k := range d.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs = append(attrs, slog.Any("options", keys))
	}
	return slog.GroupValue(attrs...)
}
