package mssql

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-reports/pkg/adapters/datasource"
)

// ServerDescriptor is a user's data source location as entered: a free-form
// server string plus optional separate database and credentials.
type ServerDescriptor struct {
	Server   string
	Database string
	User     string
	Password string
}

// connectionStringPattern matches anything holding at least one key=value; pair.
var connectionStringPattern = regexp.MustCompile(`.+?=.+?;`)

// IsConnectionString reports whether server is already a key=value; connection
// string rather than a bare host name.
func IsConnectionString(server string) bool {
	return connectionStringPattern.MatchString(server)
}

// ResolveConnection turns a descriptor into a driver-ready config. It never
// contacts the network.
//
// Connection strings keep every attribute the user wrote; the separate user,
// password and database are added only for keys the string does not already
// carry. Anything else is a bare host, optionally "host\instance" or
// "host,port", combined with the separate fields.
func ResolveConnection(d ServerDescriptor) datasource.ConnectionConfig {
	server := strings.TrimSpace(d.Server)

	if IsConnectionString(server) {
		return datasource.ConnectionConfig{
			RawConnectionString: InjectCredentials(server, d.User, d.Password, d.Database),
		}
	}

	host, instance, port := splitServerName(server)
	return datasource.ConnectionConfig{
		Host:     host,
		Instance: instance,
		Port:     port,
		Database: d.Database,
		User:     d.User,
		Password: d.Password,
	}
}

var (
	userKeys     = []string{"user id", "uid"}
	passwordKeys = []string{"password", "pwd"}
	databaseKeys = []string{"database", "initial catalog"}
)

// InjectCredentials appends User Id, Password and Database attributes to
// connStr for each non-empty value whose key is not already present. Key
// matching is case-insensitive. Applying it twice yields the same string as
// applying it once.
func InjectCredentials(connStr, user, password, database string) string {
	keys := connectionStringKeys(connStr)

	var additions []string
	if user != "" && !keys.hasAny(userKeys) {
		additions = append(additions, "User Id="+quoteValue(user))
	}
	if password != "" && !keys.hasAny(passwordKeys) {
		additions = append(additions, "Password="+quoteValue(password))
	}
	if database != "" && !keys.hasAny(databaseKeys) {
		additions = append(additions, "Database="+quoteValue(database))
	}

	if len(additions) == 0 {
		return connStr
	}

	out := strings.TrimSpace(connStr)
	if !strings.HasSuffix(out, ";") {
		out += ";"
	}
	return out + strings.Join(additions, ";") + ";"
}

// ConnectionStringHasKey reports whether connStr sets any of keys.
func ConnectionStringHasKey(connStr string, keys ...string) bool {
	return connectionStringKeys(connStr).hasAny(keys)
}

type keySet map[string]bool

func (s keySet) hasAny(keys []string) bool {
	for _, k := range keys {
		if s[k] {
			return true
		}
	}
	return false
}

// connectionStringKeys returns the lowercased attribute names in connStr, with
// runs of inner whitespace collapsed ("User  ID" -> "user id"). Quoted values
// may contain ';' and '='.
func connectionStringKeys(connStr string) keySet {
	keys := make(keySet)
	for _, attr := range splitAttributes(connStr) {
		eq := strings.IndexByte(attr, '=')
		if eq <= 0 {
			continue
		}
		key := strings.ToLower(strings.Join(strings.Fields(attr[:eq]), " "))
		if key != "" {
			keys[key] = true
		}
	}
	return keys
}

// splitAttributes splits on ';' outside of double quotes, the way
// go-mssqldb splits ADO strings. Inside quotes "" is a literal quote. Single
// quotes are ordinary characters.
func splitAttributes(connStr string) []string {
	var (
		attrs    []string
		buf      strings.Builder
		inQuotes bool
	)
	runes := []rune(connStr)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' && inQuotes && i+1 < len(runes) && runes[i+1] == '"':
			buf.WriteString(`""`)
			i++
		case r == '"':
			inQuotes = !inQuotes
			buf.WriteRune(r)
		case r == ';' && !inQuotes:
			attrs = append(attrs, buf.String())
			buf.Reset()
		default:
			buf.WriteRune(r)
		}
	}
	if buf.Len() > 0 {
		attrs = append(attrs, buf.String())
	}
	return attrs
}

// quoteValue double-quotes values that would otherwise break attribute parsing.
func quoteValue(v string) string {
	if !strings.ContainsAny(v, `;"`) && strings.TrimSpace(v) == v {
		return v
	}
	return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
}

// splitServerName parses "host", "host\instance", "host,port" and an optional
// "tcp:" prefix. An unparsable port leaves the name untouched as the host.
func splitServerName(server string) (host, instance string, port int) {
	host = server
	if len(host) > 4 && strings.EqualFold(host[:4], "tcp:") {
		host = host[4:]
	}

	if i := strings.LastIndexByte(host, ','); i > 0 {
		p, err := strconv.Atoi(strings.TrimSpace(host[i+1:]))
		if err == nil && p > 0 && p <= 65535 {
			port = p
			host = strings.TrimSpace(host[:i])
		}
	}

	if i := strings.IndexByte(host, '\\'); i > 0 {
		instance = host[i+1:]
		host = host[:i]
	}

	return host, instance, port
}
