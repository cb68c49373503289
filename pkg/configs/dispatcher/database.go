package dispatcher

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
)

// Database is the connection setting for the metadata database,
// taken from the environment (DBHOST, DBPORT, DBNAME, DBUSER, DBPASS
// and DBPOOLSIZE).
type Database struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	PoolSize int
}

func DatabaseFromEnv() (Database, error) {
	d := Database{}

	for envvar, dest := range map[string]*string{
		"DBHOST": &d.Host,
		"DBNAME": &d.Name,
		"DBUSER": &d.User,
		"DBPASS": &d.Password,
	} {
		v := os.Getenv(envvar)
		if v == "" {
			return Database{}, &ConfigError{Field: envvar, Reason: "environment variable is not set"}
		}
		*dest = v
	}

	port, err := strconv.Atoi(os.Getenv("DBPORT"))
	if err != nil || !validPort(port) {
		return Database{}, &ConfigError{Field: "DBPORT", Reason: "must be in 1..65535"}
	}
	d.Port = port

	d.PoolSize = 5
	if v := os.Getenv("DBPOOLSIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 1 {
			return Database{}, &ConfigError{Field: "DBPOOLSIZE", Reason: "must be at least 1"}
		}
		d.PoolSize = size
	}

	return d, nil
}

// DSN renders the pgx connection string, pool size included.
func (d Database) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, fmt.Sprintf("%d", d.Port)),
		Path:     "/" + d.Name,
		RawQuery: fmt.Sprintf("pool_max_conns=%d", d.PoolSize),
	}
	return u.String()
}
