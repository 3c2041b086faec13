package config

import (
	"time"

	"github.com/pkg/errors"
)

// configFile mirrors Config for YAML decoding. Durations are strings such
// as "30s"; zero values leave the underlying setting untouched.
type configFile struct {
	HTTP *struct {
		Host            string `yaml:"host"`
		Port            int    `yaml:"port"`
		ReadTimeout     string `yaml:"read_timeout"`
		WriteTimeout    string `yaml:"write_timeout"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	WebSocket *struct {
		PingInterval      string  `yaml:"ping_interval"`
		PongWait          string  `yaml:"pong_wait"`
		WriteTimeout      string  `yaml:"write_timeout"`
		BufferSize        int     `yaml:"buffer_size"`
		MaxMessageSize    int64   `yaml:"max_message_size"`
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"websocket"`

	Database *struct {
		Path           string `yaml:"path"`
		Timeout        string `yaml:"timeout"`
		MaxConnections int    `yaml:"max_connections"`
	} `yaml:"database"`

	Relay *struct {
		Backend             string `yaml:"backend"`
		URL                 string `yaml:"url"`
		ChatChannel         string `yaml:"chat_channel"`
		NotificationChannel string `yaml:"notification_channel"`
	} `yaml:"relay"`

	Queue *struct {
		Backend  string `yaml:"backend"`
		URL      string `yaml:"url"`
		Name     string `yaml:"name"`
		Prefetch int    `yaml:"prefetch"`
	} `yaml:"queue"`

	Auth *struct {
		Algorithm     string `yaml:"algorithm"`
		Secret        string `yaml:"secret"`
		PublicKeyPath string `yaml:"public_key_path"`
	} `yaml:"auth"`

	Log *struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (f *configFile) apply(c *Config) error {
	if h := f.HTTP; h != nil {
		setString(&c.HTTP.Host, h.Host)
		setInt(&c.HTTP.Port, h.Port)
		if err := setDuration(&c.HTTP.ReadTimeout, "http.read_timeout", h.ReadTimeout); err != nil {
			return err
		}
		if err := setDuration(&c.HTTP.WriteTimeout, "http.write_timeout", h.WriteTimeout); err != nil {
			return err
		}
		if err := setDuration(&c.HTTP.ShutdownTimeout, "http.shutdown_timeout", h.ShutdownTimeout); err != nil {
			return err
		}
	}

	if w := f.WebSocket; w != nil {
		if err := setDuration(&c.WebSocket.PingInterval, "websocket.ping_interval", w.PingInterval); err != nil {
			return err
		}
		if err := setDuration(&c.WebSocket.PongWait, "websocket.pong_wait", w.PongWait); err != nil {
			return err
		}
		if err := setDuration(&c.WebSocket.WriteTimeout, "websocket.write_timeout", w.WriteTimeout); err != nil {
			return err
		}
		setInt(&c.WebSocket.BufferSize, w.BufferSize)
		setInt64(&c.WebSocket.MaxMessageSize, w.MaxMessageSize)
		if w.MessagesPerSecond > 0 {
			c.WebSocket.MessagesPerSecond = w.MessagesPerSecond
		}
		setInt(&c.WebSocket.Burst, w.Burst)
	}

	if d := f.Database; d != nil {
		setString(&c.Database.Path, d.Path)
		if err := setDuration(&c.Database.Timeout, "database.timeout", d.Timeout); err != nil {
			return err
		}
		setInt(&c.Database.MaxConnections, d.MaxConnections)
	}

	if r := f.Relay; r != nil {
		setString(&c.Relay.Backend, r.Backend)
		setString(&c.Relay.URL, r.URL)
		setString(&c.Relay.ChatChannel, r.ChatChannel)
		setString(&c.Relay.NotificationChannel, r.NotificationChannel)
	}

	if q := f.Queue; q != nil {
		setString(&c.Queue.Backend, q.Backend)
		setString(&c.Queue.URL, q.URL)
		setString(&c.Queue.Name, q.Name)
		setInt(&c.Queue.Prefetch, q.Prefetch)
	}

	if a := f.Auth; a != nil {
		setString(&c.Auth.Algorithm, a.Algorithm)
		setString(&c.Auth.Secret, a.Secret)
		setString(&c.Auth.PublicKeyPath, a.PublicKeyPath)
	}

	if l := f.Log; l != nil {
		setString(&c.Log.Level, l.Level)
		setString(&c.Log.Format, l.Format)
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setInt64(dst *int64, v int64) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, field, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Wrapf(err, "%s", field)
	}
	*dst = d
	return nil
}
