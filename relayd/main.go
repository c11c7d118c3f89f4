package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/WatchTower-Liu/shared-whiteboard/relay"
)

const RelaydVersion = "0.0.1"

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
}

func main() {
	usage := `Whiteboard relay daemon.

Keeps the last known full state per room in memory and fans messages out to
the other clients of the room. Replicas connect to ws://<listen><path>{roomId}/{clientId}.

Usage:
    relayd serve [--listen=<addr>] [--path=<path>]

Options:
    -h --help          Show this screen.
    --version          Show version.
    --listen=<addr>    Listen address [default: 127.0.0.1:8000].
    --path=<path>      Websocket route prefix [default: /ws/].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelaydVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	listen, _ := opts.String("--listen")
	path, _ := opts.String("--path")

	mux := http.NewServeMux()
	mux.Handle(path, relay.NewRelayWithDefaults())

	glog.Infof("[relayd]listening on %s%s\n", listen, path)
	if err := http.ListenAndServe(listen, mux); err != nil {
		glog.Errorf("[relayd]exit = %s\n", err)
		os.Exit(1)
	}
}
