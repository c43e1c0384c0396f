package main

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pgexporter/pgexporter/internal/management"
	"gopkg.in/alecthomas/kingpin.v2"
)

// Exit codes: 0 success, 1 protocol error reported by the server, 4 connect
// failure, 5 failed or malformed exchange once connected.
const (
	exitOK       = 0
	exitError    = 1
	exitConnect  = 4
	exitProtocol = 5
)

func main() {
	var (
		addr     = kingpin.Flag("host", "management address (host:port or socket path)").Default("127.0.0.1:5003").Envar("PGEXPORTER_HOST").String()
		timeout  = kingpin.Flag("timeout", "request timeout").Default("10s").Duration()
		username = kingpin.Flag("username", "admin username").Envar("PGEXPORTER_USERNAME").String()
		password = kingpin.Flag("password", "admin password").Envar("PGEXPORTER_PASSWORD").String()
		useTLS   = kingpin.Flag("tls", "connect with TLS").Bool()
		insecure = kingpin.Flag("insecure", "skip TLS certificate verification").Bool()

		pingCmd = kingpin.Command("ping", "check the exporter is alive")

		shutdownCmd = kingpin.Command("shutdown", "stop the exporter")

		statusCmd     = kingpin.Command("status", "report exporter status")
		statusDetails = statusCmd.Flag("details", "include per-server and bridge state").Bool()

		confCmd    = kingpin.Command("conf", "configuration operations")
		confReload = confCmd.Command("reload", "reload the configuration file")
		confLs     = confCmd.Command("ls", "list configuration keys")
		confGet    = confCmd.Command("get", "read a configuration value")
		confGetKey = confGet.Arg("key", "configuration key; whole configuration when omitted").String()
		confSet    = confCmd.Command("set", "set a dynamic configuration value")
		confSetKey = confSet.Arg("key", "configuration key").Required().String()
		confSetVal = confSet.Arg("value", "new value").Required().String()

		clearCmd    = kingpin.Command("clear", "clear a cache")
		clearTarget = clearCmd.Arg("target", "cache to clear (prometheus)").Required().String()
	)

	var req management.Request
	switch kingpin.Parse() {
	case pingCmd.FullCommand():
		req = management.NewRequest("ping", "")
	case shutdownCmd.FullCommand():
		req = management.NewRequest("shutdown", "")
	case statusCmd.FullCommand():
		sub := ""
		if *statusDetails {
			sub = "details"
		}
		req = management.NewRequest("status", sub)
	case confReload.FullCommand():
		req = management.NewRequest("conf", "reload")
	case confLs.FullCommand():
		req = management.NewRequest("conf", "ls")
	case confGet.FullCommand():
		if *confGetKey != "" {
			req = management.NewRequest("conf", "get", *confGetKey)
		} else {
			req = management.NewRequest("conf", "get")
		}
	case confSet.FullCommand():
		req = management.NewRequest("conf", "set", *confSetKey, *confSetVal)
	case clearCmd.FullCommand():
		req = management.NewRequest("clear", "", *clearTarget)
	}

	if *username != "" || *password != "" {
		req = req.WithCredentials(*username, *password)
	}

	var tlsConfig *tls.Config
	if *useTLS {
		tlsConfig = &tls.Config{InsecureSkipVerify: *insecure, MinVersion: tls.VersionTLS12} // #nosec G402
	}

	os.Exit(run(*addr, req, *timeout, tlsConfig))
}

func run(addr string, req management.Request, timeout time.Duration, tlsConfig *tls.Config) int {
	resp, err := management.DoTLS(addr, req, timeout, tlsConfig)
	var opErr *net.OpError
	switch {
	case err == nil:
	case management.IsProtocolError(err):
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return exitError
	case errors.As(err, &opErr) && opErr.Op == "dial":
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return exitConnect
	default:
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return exitProtocol
	}

	if resp.Response != nil {
		out, err := json.MarshalIndent(resp.Response, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
			return exitProtocol
		}
		fmt.Println(string(out))
	} else {
		fmt.Println("ok")
	}

	return exitOK
}
