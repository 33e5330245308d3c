package env

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	// DBPath is the location of the SQLite user/history database.
	DBPath string `env:"VEGSEC_DB_PATH,default=user_data.db"`

	// ImageDir is where uploaded images are persisted, named by content hash.
	ImageDir string `env:"VEGSEC_IMAGE_DIR,default=images"`

	CertFile string `env:"VEGSEC_CERT_FILE,default=server.crt"`
	KeyFile  string `env:"VEGSEC_KEY_FILE,default=server.key"`

	// SMTP credentials for verification and reset emails. When empty, email
	// dispatch is a no-op and codes are only visible in the logs.
	SMTPEmail    string `env:"VEGSEC_SMTP_EMAIL"`
	SMTPPassword string `env:"VEGSEC_SMTP_PASSWORD"`

	// ModelURL is the HTTP endpoint of the vegetable-recognition model.
	ModelURL string `env:"VEGSEC_MODEL_URL,default=http://127.0.0.1:5800/answer"`

	// MaxSessions bounds the number of concurrently active client sessions.
	MaxSessions int `env:"VEGSEC_MAX_SESSIONS,default=5"`

	DebugHTTP bool `env:"VEGSEC_DEBUG_HTTP"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
