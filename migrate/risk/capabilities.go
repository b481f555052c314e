package risk

import (
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/satishbabariya/schemaguard/migrate/introspect"
)

// Capabilities records server features that make some operations cheaper.
type Capabilities struct {
	Provider      string `json:"provider"`
	ServerVersion string `json:"server_version,omitempty"`
	// FastAddColumn is true when adding a column with a default does not
	// rewrite the table.
	FastAddColumn    bool `json:"fast_add_column"`
	NativeDropColumn bool `json:"native_drop_column"`
	TransactionalDDL bool `json:"transactional_ddl"`
}

var (
	postgresFastDefault = version.Must(version.NewVersion("11.0"))
	mysqlInstantColumn  = version.Must(version.NewVersion("8.0.12"))
	sqliteDropColumn    = version.Must(version.NewVersion("3.35.0"))
)

// DetectCapabilities gates features on the reported server version. An
// unparseable version yields the conservative answer for every feature.
func DetectCapabilities(provider, serverVersion string) Capabilities {
	caps := Capabilities{
		Provider:      introspect.NormalizeProvider(provider),
		ServerVersion: serverVersion,
	}
	v := parseServerVersion(serverVersion)

	switch caps.Provider {
	case introspect.ProviderPostgres:
		caps.TransactionalDDL = true
		caps.NativeDropColumn = true
		caps.FastAddColumn = v != nil && v.GreaterThanOrEqual(postgresFastDefault)
	case introspect.ProviderMySQL:
		caps.NativeDropColumn = true
		caps.FastAddColumn = v != nil && v.GreaterThanOrEqual(mysqlInstantColumn)
	case introspect.ProviderSQLite:
		caps.TransactionalDDL = true
		caps.FastAddColumn = true
		caps.NativeDropColumn = v != nil && v.GreaterThanOrEqual(sqliteDropColumn)
	}
	return caps
}

// parseServerVersion keeps the leading dotted number: "8.0.36-log" and
// "16.2 (Debian 16.2-1)" both parse.
func parseServerVersion(s string) *version.Version {
	s = strings.TrimSpace(s)
	if i := strings.IndexFunc(s, func(r rune) bool { return r != '.' && (r < '0' || r > '9') }); i >= 0 {
		s = s[:i]
	}
	v, err := version.NewVersion(strings.TrimSuffix(s, "."))
	if err != nil {
		return nil
	}
	return v
}
