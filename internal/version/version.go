package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info — сведения о сборке, заполняются через -ldflags "-X .../internal/version.version=...".
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Get возвращает сведения о текущей сборке.
func Get() Info {
	return Info{Version: version, Commit: commit, Date: date}
}

func (i Info) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", i.Version, i.Commit, i.Date)
}

// Fields — поля для стартового лога сервиса.
func (i Info) Fields() log.Fields {
	return log.Fields{
		"version": i.Version,
		"commit":  i.Commit,
		"built":   i.Date,
	}
}
