package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/goccy/go-yaml"

	"github.com/sanity-io/litter"

	"github.com/WatchTower-Liu/shared-whiteboard/whiteboard"
)

const WhiteboardCtlVersion = "0.0.1"

const DefaultUrl = "ws://127.0.0.1:8000/ws"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

func main() {
	usage := `Whiteboard control.

Session flags can be given directly (--room, --author), as a room token
(--token), or read from a yaml config file with keys url, room, author,
secret.

Usage:
    whiteboardctl mint-token --room=<room> --author=<author> [--secret=<secret>]
    whiteboardctl snapshot [--config=<path>] [--url=<url>] [--token=<token>] [--room=<room>] [--author=<author>]
    whiteboardctl tail [--config=<path>] [--url=<url>] [--token=<token>] [--room=<room>] [--author=<author>]
    whiteboardctl put-text [--config=<path>] [--url=<url>] [--token=<token>] [--room=<room>] [--author=<author>]
        --text=<text> [--x=<x>] [--y=<y>]
    whiteboardctl scribble [--config=<path>] [--url=<url>] [--token=<token>] [--room=<room>] [--author=<author>]
        [--points=<points>]

Options:
    -h --help            Show this screen.
    --version            Show this version.
    --config=<path>      Yaml config file.
    --url=<url>          Relay websocket endpoint.
    --token=<token>      Room token carrying room and author ids.
    --room=<room>        Room (session) id.
    --author=<author>    Author id. Minted fresh when omitted.
    --secret=<secret>    Token signing secret.
    --text=<text>        Text block content.
    --x=<x>              X position.
    --y=<y>              Y position.
    --points=<points>    Stroke points to send [default: 16].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WhiteboardCtlVersion)
	if err != nil {
		panic(err)
	}

	if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if putText_, _ := opts.Bool("put-text"); putText_ {
		putText(opts)
	} else if scribble_, _ := opts.Bool("scribble"); scribble_ {
		scribble(opts)
	}
}

type CtlConfig struct {
	Url    string `yaml:"url"`
	Room   string `yaml:"room"`
	Author string `yaml:"author"`
	Secret string `yaml:"secret"`
}

func loadConfig(path string) (*CtlConfig, error) {
	config := &CtlConfig{}
	if path == "" {
		return config, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, err
	}
	return config, nil
}

// flags beat the token, the token beats the config file
func resolveSession(opts docopt.Opts) (url string, room string, author string) {
	configPath, _ := opts.String("--config")
	config, err := loadConfig(configPath)
	if err != nil {
		Err.Printf("Could not read config (%s).\n", err)
		os.Exit(1)
	}

	url = config.Url
	room = config.Room
	author = config.Author

	if tokenStr, _ := opts.String("--token"); tokenStr != "" {
		token, err := whiteboard.ParseRoomTokenUnverified(tokenStr)
		if err != nil {
			Err.Printf("Invalid room token (%s).\n", err)
			os.Exit(1)
		}
		room = token.RoomId
		author = token.AuthorId
	}

	if urlFlag, _ := opts.String("--url"); urlFlag != "" {
		url = urlFlag
	}
	if roomFlag, _ := opts.String("--room"); roomFlag != "" {
		room = roomFlag
	}
	if authorFlag, _ := opts.String("--author"); authorFlag != "" {
		author = authorFlag
	}

	if url == "" {
		url = DefaultUrl
	}
	if room == "" {
		Err.Printf("A room id is required (--room, --token, or config).\n")
		os.Exit(1)
	}
	if author == "" {
		author = whiteboard.NewAuthorId()
	}
	return
}

func mintToken(opts docopt.Opts) {
	room, _ := opts.String("--room")
	author, _ := opts.String("--author")
	secret, _ := opts.String("--secret")

	token, err := whiteboard.MintRoomToken(room, author, []byte(secret))
	if err != nil {
		Err.Printf("Could not mint token (%s).\n", err)
		os.Exit(1)
	}
	Out.Printf("%s", token)
}

// connect, wait for the first full sync, dump the live elements
func snapshot(opts docopt.Opts) {
	url, room, author := resolveSession(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replica := whiteboard.NewReplicaWithDefaults(cancelCtx, url, room, author)
	defer replica.Close()

	synced := make(chan struct{}, 1)
	replica.AddSnapshotCallback(func(elements map[string]*whiteboard.Element) {
		select {
		case synced <- struct{}{}:
		default:
		}
	})

	select {
	case <-synced:
	case <-time.After(10 * time.Second):
		Err.Printf("Timed out waiting for sync.\n")
		os.Exit(1)
	}

	Out.Printf("%s", litter.Sdump(replica.LiveList()))
}

// live feed of the room: element changes, cursors, presence
func tail(opts docopt.Opts) {
	url, room, author := resolveSession(opts)

	opColor := color.New(color.FgGreen)
	cursorColor := color.New(color.FgYellow)
	presenceColor := color.New(color.FgCyan)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replica := whiteboard.NewReplicaWithDefaults(cancelCtx, url, room, author)
	defer replica.Close()

	replica.AddSnapshotCallback(func(elements map[string]*whiteboard.Element) {
		Out.Printf("%s", opColor.Sprintf("elements=%d", len(elements)))
	})
	replica.AddCursorCallback(func(authorId string, cursor *whiteboard.Cursor) {
		Out.Printf("%s", cursorColor.Sprintf("cursor %s (%.0f,%.0f)", authorId, cursor.X, cursor.Y))
	})
	replica.AddPresenceCallback(func(authorId string, joined bool) {
		if joined {
			Out.Printf("%s", presenceColor.Sprintf("joined %s", authorId))
		} else {
			Out.Printf("%s", presenceColor.Sprintf("left %s", authorId))
		}
	})
	replica.AddStateCallback(func(sessionId string, state whiteboard.ConnectionState) {
		Err.Printf("session=%s state=%s", sessionId, state)
	})

	select {}
}

func putText(opts docopt.Opts) {
	url, room, author := resolveSession(opts)

	text, _ := opts.String("--text")
	x, _ := opts.Float64("--x")
	y, _ := opts.Float64("--y")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replica := whiteboard.NewReplicaWithDefaults(cancelCtx, url, room, author)
	defer replica.Close()

	waitForConnect(replica)

	el := &whiteboard.Element{
		Id:        whiteboard.NewElementId(author),
		Kind:      whiteboard.KindText,
		Timestamp: whiteboard.NowMillis(),
		AuthorId:  author,
		Payload: &whiteboard.TextPayload{
			Content:  text,
			Position: &whiteboard.Point{X: x, Y: y},
		},
	}
	if !replica.Apply(el) {
		Err.Printf("Edit rejected.\n")
		os.Exit(1)
	}
	replica.FlushDrawingSession()
	// the batched path is fire-and-forget, give the frame a moment to leave
	time.Sleep(200 * time.Millisecond)
	Out.Printf("%s", el.Id)
}

// draw a synthetic stroke through the immediate path, for latency testing
func scribble(opts docopt.Opts) {
	url, room, author := resolveSession(opts)

	points, err := opts.Int("--points")
	if err != nil || points <= 0 {
		points = 16
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replica := whiteboard.NewReplicaWithDefaults(cancelCtx, url, room, author)
	defer replica.Close()

	waitForConnect(replica)

	id := whiteboard.NewElementId(author)
	path := []whiteboard.Point{}
	for i := 0; i < points; i += 1 {
		path = append(path, whiteboard.Point{X: float64(10 * i), Y: float64(10 * i)})
		el := &whiteboard.Element{
			Id:        id,
			Kind:      whiteboard.KindStroke,
			Timestamp: whiteboard.NowMillis(),
			AuthorId:  author,
			Payload: &whiteboard.StrokePayload{
				Points: append([]whiteboard.Point{}, path...),
			},
		}
		replica.Apply(el)
		time.Sleep(20 * time.Millisecond)
	}
	replica.FlushDrawingSession()
	time.Sleep(200 * time.Millisecond)
	Out.Printf("%s", id)
}

func waitForConnect(replica *whiteboard.Replica) {
	connected := make(chan struct{}, 1)
	remove := replica.AddStateCallback(func(sessionId string, state whiteboard.ConnectionState) {
		if state == whiteboard.StateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer remove()

	if replica.ConnectionState() == whiteboard.StateConnected {
		return
	}
	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		Err.Printf("Timed out connecting (%s).\n", replica.ConnectionState())
		os.Exit(1)
	}
}
