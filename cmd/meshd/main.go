// Command meshd wires a StoreManager to a SignalServer and runs both in
// one process, the simplest deployment of the sync core in this repo.
package main

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/local-first-web/cevitxe/internal/keychain"
	"github.com/local-first-web/cevitxe/internal/signal"
	"github.com/local-first-web/cevitxe/internal/store"
	"github.com/local-first-web/cevitxe/internal/storemanager"
)

const defaultDBPath = "./meshd.db"
const defaultKeychainPath = "./meshd.keychain.db"
const defaultListenAddr = ":8080"

func main() {
	defer glog.Flush()

	usage := `meshd: local-first sync node and signal server.

Usage:
    meshd serve [--listen=<addr>] [--db=<path>] [--keychain=<path>] [--redis=<addr>] [--lan-port=<port>]
    meshd -h | --help

Options:
    -h --help              Show this screen.
    --listen=<addr>         HTTP listen address for the signal server
    --db=<path>             SQLite database path for document storage
    --keychain=<path>       bbolt database path for the Keychain
    --redis=<addr>          Redis address for cross-replica signal fanout (optional)
    --lan-port=<port>       Advertise open documents over LAN mDNS on this port (optional)`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], "meshd 0.1.0")
	if err != nil {
		glog.Fatalf("meshd: parse args: %v", err)
	}

	listenAddr := firstNonEmpty(optString(opts, "--listen"), os.Getenv("MESHD_LISTEN"), defaultListenAddr)
	dbPath := firstNonEmpty(optString(opts, "--db"), os.Getenv("MESHD_DB_PATH"), defaultDBPath)
	keychainPath := firstNonEmpty(optString(opts, "--keychain"), os.Getenv("MESHD_KEYCHAIN_PATH"), defaultKeychainPath)
	redisAddr := firstNonEmpty(optString(opts, "--redis"), os.Getenv("MESHD_REDIS_ADDR"), "")
	lanPortStr := firstNonEmpty(optString(opts, "--lan-port"), os.Getenv("MESHD_LAN_PORT"), "")
	lanPort, _ := strconv.Atoi(lanPortStr)

	backend, err := store.OpenSQLite(dbPath)
	if err != nil {
		glog.Fatalf("meshd: open store at %s: %v", dbPath, err)
	}
	defer backend.Close()

	kc, err := keychain.Open(keychainPath)
	if err != nil {
		glog.Fatalf("meshd: open keychain at %s: %v", keychainPath, err)
	}
	defer kc.Close()

	var redisClient *redis.Client
	if redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
		glog.Infof("meshd: signal fanout enabled via redis at %s", redisAddr)
	}

	signalServer := signal.New(redisClient)

	sm := storemanager.New(storemanager.Config{
		DatabaseName:     dbPath,
		Backend:          backend,
		Keychain:         kc,
		SignalURLs:       []string{"http://127.0.0.1" + listenAddr},
		LANDiscoveryPort: lanPort,
	})
	defer sm.Close()

	sm.On(storemanager.EventError, func(ev storemanager.Event) {
		glog.Warningf("meshd: %v", ev.Err)
	})
	sm.On(storemanager.EventPeer, func(ev storemanager.Event) {
		glog.V(2).Infof("meshd: peer %s attached to %s", ev.PeerID, ev.DocumentID)
	})
	sm.On(storemanager.EventPeerRemove, func(ev storemanager.Event) {
		glog.V(2).Infof("meshd: peer %s detached from %s", ev.PeerID, ev.DocumentID)
	})

	glog.Infof("meshd: serving signal server on %s (db=%s keychain=%s)", listenAddr, dbPath, keychainPath)
	if err := http.ListenAndServe(listenAddr, signalServer.Router()); err != nil {
		glog.Fatalf("meshd: serve: %v", err)
	}
}

func optString(opts docopt.Opts, key string) string {
	v, err := opts.String(key)
	if err != nil {
		return ""
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
