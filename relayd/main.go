package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
	"golang.org/x/term"

	"github.com/corkboard/board/board"
	"github.com/corkboard/board/relay"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Corkboard relay.

A dumb router plus snapshot store for collaborative documents. Replicas
connect to /d/<document_id> with a join token; the relay broadcasts their
deltas and serves snapshots to late joiners.

Usage:
    relayd serve [--port=<port>]
        [--redis=<redis_addr>]
        [--redis_password=<redis_password>]
        [--secret=<secret>]
        [--mint=<document_id>]

Options:
    -h --help                          Show this screen.
    --version                          Show version.
    --redis=<redis_addr>               Redis address for the snapshot store.
                                       Defaults to an in-memory store.
    --redis_password=<redis_password>
    --secret=<secret>                  Join token signing secret. Prompted
                                       when omitted; empty disables
                                       verification.
    --mint=<document_id>               Print a join token for the document
                                       and exit.
    -p --port=<port>   Listen port [default: 8090].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], requireVersion())
	if err != nil {
		panic(err)
	}

	// glog flags (-v, -logtostderr) come from the environment of the service
	flag.Parse()

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	secret := readSecret(opts)

	if mintAny := opts["--mint"]; mintAny != nil {
		documentId, err := board.ParseId(mintAny.(string))
		if err != nil {
			panic(err)
		}
		replicaId := board.NewId()
		token, err := board.MintJoinToken(documentId, replicaId, secret)
		if err != nil {
			panic(err)
		}
		fmt.Printf("replica_id: %s\n", replicaId)
		fmt.Printf("token: %s\n", token)
		os.Exit(0)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var snapshots relay.SnapshotStore
	if redisAddrAny := opts["--redis"]; redisAddrAny != nil {
		redisPassword := ""
		if redisPasswordAny := opts["--redis_password"]; redisPasswordAny != nil {
			redisPassword = redisPasswordAny.(string)
		}
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddrAny.(string),
			Password: redisPassword,
		})
		if err := client.Ping(cancelCtx).Err(); err != nil {
			panic(err)
		}
		snapshots = relay.NewRedisSnapshots(client)
	} else {
		snapshots = relay.NewMemorySnapshots()
	}

	r := relay.NewRelayWithDefaults(cancelCtx, snapshots, secret)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r.Router(),
	}

	go func() {
		defer cancel()
		fmt.Printf("relayd %s on *:%d\n", requireVersion(), port)
		if err := server.ListenAndServe(); err != nil {
			glog.Infof("[relayd]serve = %s\n", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case <-stop:
	case <-cancelCtx.Done():
	}

	server.Shutdown(cancelCtx)
	os.Exit(0)
}

func readSecret(opts docopt.Opts) []byte {
	if secretAny := opts["--secret"]; secretAny != nil {
		secret := secretAny.(string)
		if secret == "" {
			return nil
		}
		return []byte(secret)
	}
	fmt.Print("Enter join secret (empty disables verification): ")
	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	if len(secretBytes) == 0 {
		return nil
	}
	return secretBytes
}

func requireVersion() string {
	if version := os.Getenv("RELAYD_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
