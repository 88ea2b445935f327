package extract

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"unicode"

	"github.com/go-sql-driver/mysql"

	"github.com/ingestrelay/ingestrelay/internal/connector"
)

const watermarkParam = "watermark"

// driverFor returns the database/sql driver name and a DSN in that driver's dialect.
// Secrets may hold URLs with SQLAlchemy-style schemes such as postgresql+psycopg:// or
// mssql+pyodbc://; those are rewritten. Anything else is passed through untouched.
func driverFor(sourceType connector.SourceType, secret string) (string, string, error) {
	switch sourceType {
	case connector.SourcePostgres:
		return "postgres", postgresDSN(secret), nil
	case connector.SourceMySQL:
		dsn, err := mysqlDSN(secret)

		return "mysql", dsn, err
	case connector.SourceMSSQL:
		return "sqlserver", mssqlDSN(secret), nil
	default:
		return "", "", fmt.Errorf("unsupported SQL source type %q", sourceType)
	}
}

func splitScheme(dsn string) (scheme, rest string, ok bool) {
	idx := strings.Index(dsn, "://")
	if idx <= 0 {
		return "", dsn, false
	}

	scheme = strings.ToLower(dsn[:idx])
	if plus := strings.Index(scheme, "+"); plus >= 0 {
		scheme = scheme[:plus]
	}

	return scheme, dsn[idx+3:], true
}

func postgresDSN(secret string) string {
	scheme, rest, ok := splitScheme(secret)
	if !ok || (scheme != "postgres" && scheme != "postgresql") {
		return secret
	}

	return "postgres://" + rest
}

func mysqlDSN(secret string) (string, error) {
	scheme, rest, ok := splitScheme(secret)
	if !ok || scheme != "mysql" {
		return secret, nil
	}

	u, err := url.Parse("mysql://" + rest)
	if err != nil {
		return "", fmt.Errorf("invalid mysql URL: %w", err)
	}

	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	cfg.ParseTime = true

	if u.Port() == "" {
		cfg.Addr = net.JoinHostPort(u.Hostname(), "3306")
	}

	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}

	if q := u.Query(); len(q) > 0 {
		cfg.Params = make(map[string]string, len(q))
		for key := range q {
			if key == "charset" || key == "driver" {
				continue
			}

			cfg.Params[key] = q.Get(key)
		}
	}

	return cfg.FormatDSN(), nil
}

func mssqlDSN(secret string) string {
	scheme, rest, ok := splitScheme(secret)
	if !ok || (scheme != "mssql" && scheme != "sqlserver") {
		return secret
	}

	u, err := url.Parse("sqlserver://" + rest)
	if err != nil {
		return secret
	}

	q := u.Query()
	q.Del("driver")

	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		q.Set("database", db)
	}

	u.Path = ""
	u.RawQuery = q.Encode()

	return u.String()
}

// bindWatermark rewrites :watermark named parameters into the driver's positional form.
// Casts (::type) and quoted text are left alone. It returns the rewritten query and how many
// positional arguments the driver expects.
func bindWatermark(driver, query string) (string, int) {
	var (
		b     strings.Builder
		count int
		quote rune
	)

	runes := []rune(query)

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if quote != 0 {
			b.WriteRune(r)

			if r == quote {
				quote = 0
			}

			continue
		}

		switch {
		case r == '\'' || r == '"' || r == '`':
			quote = r
			b.WriteRune(r)
		case r == ':' && i+1 < len(runes) && runes[i+1] == ':':
			b.WriteString("::")
			i++
		case r == ':' && matchesParam(runes, i+1):
			count++

			switch driver {
			case "postgres":
				b.WriteString("$1")
			case "sqlserver":
				b.WriteString("@p1")
			default:
				b.WriteString("?")
			}

			i += len(watermarkParam)
		default:
			b.WriteRune(r)
		}
	}

	if driver != "mysql" && count > 0 {
		count = 1
	}

	return b.String(), count
}

func matchesParam(runes []rune, start int) bool {
	end := start + len(watermarkParam)
	if end > len(runes) || string(runes[start:end]) != watermarkParam {
		return false
	}

	return end == len(runes) || !(unicode.IsLetter(runes[end]) || unicode.IsDigit(runes[end]) || runes[end] == '_')
}
