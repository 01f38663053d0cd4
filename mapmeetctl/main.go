package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/mapmeet/client/devserver"
	"github.com/mapmeet/client/mapmeet"
)

const MapmeetCtlVersion = "0.0.1"

const DefaultUrl = "http://127.0.0.1:8080"

// the session token is read again this long before it expires
const TokenLeeway = 30 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Mapmeet control.

Urls and the session token are read from the options, then from the environment
(a .env file in the working directory is loaded first):
    MAPMEET_API_URL, MAPMEET_REALTIME_URL, MAPMEET_STORAGE_URL, MAPMEET_JWT
The default api and storage url is http://127.0.0.1:8080.
Unless --jwt is given, MAPMEET_JWT is read again from .env when the token nears
expiry, so a running session picks up a replaced token.

Usage:
    mapmeetctl devserver [--addr=<addr>] [--jwt_secret=<secret>] [--storage_url=<storage_url>]
    mapmeetctl token --user_id=<user_id> [--phone=<phone>] [--ttl=<ttl>] [--jwt_secret=<secret>]
    mapmeetctl whoami [options]
    mapmeetctl check-username [options] <username>
    mapmeetctl create-account [options] <username>
        [--display_name=<display_name>]
        [--full_name=<full_name>]
        [--phone=<phone>]
    mapmeetctl friends [options]
    mapmeetctl add-friend [options] <user_id>
    mapmeetctl accept-friend [options] <user_id>
    mapmeetctl remove-friend [options] <user_id>
    mapmeetctl events [options]
    mapmeetctl create-event [options]
        --name=<name>
        --lon=<lon>
        --lat=<lat>
        --time=<time>
        [--address=<address>]
        [--invite=<user_id>...]
    mapmeetctl join-event [options] <event_id>
    mapmeetctl leave-event [options] <event_id>
    mapmeetctl pins [options]
    mapmeetctl watch [options]

Options:
    -h --help                       Show this screen.
    --version                       Show version.
    --api_url=<api_url>
    --realtime_url=<realtime_url>
    --storage_url=<storage_url>
    --jwt=<jwt>                     Your session JWT. Prompted for when not set.
    --timeout=<timeout>             Timeout for each action [default: 10s].
    -v --verbose                    Verbose logging.
    --addr=<addr>                   Listen address [default: :8080].
    --jwt_secret=<secret>           Dev server token secret [default: mapmeet-dev].
    --user_id=<user_id>
    --phone=<phone>
    --ttl=<ttl>                     Token lifetime [default: 24h].
    --time=<time>                   RFC 3339 start time, or a duration from now e.g. 2h.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], MapmeetCtlVersion)
	if err != nil {
		panic(err)
	}

	godotenv.Load()

	if verbose, _ := opts.Bool("--verbose"); verbose {
		flag.Set("logtostderr", "true")
		flag.Set("v", "2")
	}

	if devserver_, _ := opts.Bool("devserver"); devserver_ {
		runDevserver(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if checkUsername_, _ := opts.Bool("check-username"); checkUsername_ {
		checkUsername(opts)
	} else if createAccount_, _ := opts.Bool("create-account"); createAccount_ {
		createAccount(opts)
	} else if friends_, _ := opts.Bool("friends"); friends_ {
		friends(opts)
	} else if addFriend_, _ := opts.Bool("add-friend"); addFriend_ {
		addFriend(opts)
	} else if acceptFriend_, _ := opts.Bool("accept-friend"); acceptFriend_ {
		acceptFriend(opts)
	} else if removeFriend_, _ := opts.Bool("remove-friend"); removeFriend_ {
		removeFriend(opts)
	} else if events_, _ := opts.Bool("events"); events_ {
		events(opts)
	} else if createEvent_, _ := opts.Bool("create-event"); createEvent_ {
		createEvent(opts)
	} else if joinEvent_, _ := opts.Bool("join-event"); joinEvent_ {
		joinEvent(opts)
	} else if leaveEvent_, _ := opts.Bool("leave-event"); leaveEvent_ {
		leaveEvent(opts)
	} else if pins_, _ := opts.Bool("pins"); pins_ {
		pins(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func runDevserver(opts docopt.Opts) {
	addr, _ := opts.String("--addr")
	jwtSecret, _ := opts.String("--jwt_secret")

	settings := devserver.DefaultSettings()
	settings.JwtSecret = []byte(jwtSecret)
	if storageUrl, err := opts.String("--storage_url"); err == nil {
		settings.StorageUrl = storageUrl
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := devserver.NewServer(settings)
	if err := server.ListenAndServe(ctx, addr); err != nil {
		Err.Fatalf("%s", err)
	}
}

// issues a dev server token
func token(opts docopt.Opts) {
	userId, _ := opts.String("--user_id")
	phone, _ := opts.String("--phone")
	jwtSecret, _ := opts.String("--jwt_secret")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		Err.Fatalf("Bad ttl: %s", err)
	}

	jwt, err := devserver.SignToken([]byte(jwtSecret), userId, phone, ttl)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\n", jwt)
}

func optOrEnv(opts docopt.Opts, name string, envName string, defaultValue string) string {
	if value, err := opts.String(name); err == nil && value != "" {
		return value
	}
	if value := os.Getenv(envName); value != "" {
		return value
	}
	return defaultValue
}

func sessionSettings(opts docopt.Opts) *mapmeet.SessionSettings {
	settings := mapmeet.DefaultSessionSettings()
	settings.ApiUrl = optOrEnv(opts, "--api_url", "MAPMEET_API_URL", DefaultUrl)
	settings.StorageUrl = optOrEnv(opts, "--storage_url", "MAPMEET_STORAGE_URL", settings.ApiUrl)
	defaultRealtimeUrl := "ws" + strings.TrimPrefix(settings.ApiUrl, "http") + "/realtime"
	settings.RealtimeUrl = optOrEnv(opts, "--realtime_url", "MAPMEET_REALTIME_URL", defaultRealtimeUrl)
	return settings
}

func sessionJwt(opts docopt.Opts) string {
	if jwt := optOrEnv(opts, "--jwt", "MAPMEET_JWT", ""); jwt != "" {
		return jwt
	}
	fmt.Print("Enter session JWT: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return strings.TrimSpace(string(jwtBytes))
}

func sessionTokenSource(opts docopt.Opts) mapmeet.TokenSource {
	jwt := sessionJwt(opts)
	if optJwt, err := opts.String("--jwt"); err == nil && optJwt != "" {
		return mapmeet.StaticTokenSource(jwt)
	}
	return mapmeet.NewRefreshingTokenSource(func(ctx context.Context) (string, error) {
		if env, err := godotenv.Read(); err == nil && env["MAPMEET_JWT"] != "" {
			return env["MAPMEET_JWT"], nil
		}
		if envJwt := os.Getenv("MAPMEET_JWT"); envJwt != "" {
			return envJwt, nil
		}
		return jwt, nil
	}, TokenLeeway)
}

func actionTimeout(opts docopt.Opts) time.Duration {
	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		Err.Fatalf("Bad timeout: %s", err)
	}
	return timeout
}

// opens a session and waits for the first snapshot of each collection
func openSession(ctx context.Context, opts docopt.Opts) *mapmeet.Session {
	session, err := mapmeet.NewSession(ctx, sessionSettings(opts), sessionTokenSource(opts))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	session.Start()

	syncCtx, syncCancel := context.WithTimeout(ctx, actionTimeout(opts))
	defer syncCancel()
	if err := session.WaitSynced(syncCtx); err != nil {
		session.Close()
		Err.Fatalf("Sync: %s", err)
	}
	return session
}

// runs `action` on the dispatcher and waits for its callback
func runAction(opts docopt.Opts, session *mapmeet.Session, action func(store *mapmeet.Store, callback mapmeet.ActionCallback)) error {
	callback, c := mapmeet.NewBlockingActionCallback()
	session.Sync(func() {
		action(session.Store(), callback)
	})
	select {
	case err := <-c:
		return err
	case <-time.After(actionTimeout(opts)):
		return fmt.Errorf("Timeout.")
	}
}

func sessionAction(opts docopt.Opts, name string, action func(store *mapmeet.Store, callback mapmeet.ActionCallback)) {
	session := openSession(context.Background(), opts)
	defer session.Close()

	if err := runAction(opts, session, action); err != nil {
		Err.Fatalf("%s: %s", name, err)
	}
	Out.Printf("%s ok\n", name)
}

func whoami(opts docopt.Opts) {
	session := openSession(context.Background(), opts)
	defer session.Close()

	var self *mapmeet.User
	session.Sync(func() {
		self = session.Store().Self()
	})
	if self == nil {
		Out.Printf("%s (no account)\n", session.UserId())
		return
	}
	printUser(self, "")
}

func printUser(user *mapmeet.User, state string) {
	pfpUrl := ""
	if user.PfpUrl != nil {
		pfpUrl = *user.PfpUrl
	}
	Out.Printf("%s\t%s\t%s\t%s\t%s\n", user.Id, user.Username, user.Name(), state, pfpUrl)
}

func checkUsername(opts docopt.Opts) {
	username, _ := opts.String("<username>")

	session := openSession(context.Background(), opts)
	defer session.Close()

	type checkResult struct {
		username string
		err      error
	}
	c := make(chan checkResult, 1)
	session.Sync(func() {
		session.Store().CheckUsername(username, func(normalized string, err error) {
			c <- checkResult{username: normalized, err: err}
		})
	})
	result := <-c
	if result.err != nil {
		Err.Fatalf("%s: %s", result.username, result.err)
	}
	Out.Printf("%s available\n", result.username)
}

func createAccount(opts docopt.Opts) {
	username, _ := opts.String("<username>")
	displayName, _ := opts.String("--display_name")
	fullName, _ := opts.String("--full_name")
	phone, _ := opts.String("--phone")

	sessionAction(opts, "create-account", func(store *mapmeet.Store, callback mapmeet.ActionCallback) {
		store.CreateAccount(&mapmeet.NewAccount{
			Username:    username,
			DisplayName: displayName,
			FullName:    fullName,
			Phone:       phone,
		}, callback)
	})
}

func friends(opts docopt.Opts) {
	session := openSession(context.Background(), opts)
	defer session.Close()

	session.Sync(func() {
		store := session.Store()
		for _, user := range store.Friends() {
			printUser(user, mapmeet.EdgeFriend.String())
		}
		for _, user := range store.IncomingFriends() {
			printUser(user, mapmeet.EdgeIncoming.String())
		}
		for _, user := range store.OutgoingFriends() {
			printUser(user, mapmeet.EdgeOutgoing.String())
		}
	})
}

func addFriend(opts docopt.Opts) {
	userId, _ := opts.String("<user_id>")
	sessionAction(opts, "add-friend", func(store *mapmeet.Store, callback mapmeet.ActionCallback) {
		store.AddFriendRequest(userId, callback)
	})
}

func acceptFriend(opts docopt.Opts) {
	userId, _ := opts.String("<user_id>")
	sessionAction(opts, "accept-friend", func(store *mapmeet.Store, callback mapmeet.ActionCallback) {
		store.AcceptFriendRequest(userId, callback)
	})
}

func removeFriend(opts docopt.Opts) {
	userId, _ := opts.String("<user_id>")
	sessionAction(opts, "remove-friend", func(store *mapmeet.Store, callback mapmeet.ActionCallback) {
		store.RemoveFriendEdge(userId, callback)
	})
}

func printEvent(event *mapmeet.Event, state string, now time.Time) {
	Out.Printf(
		"%s\t%s\t%s\t%s\t%s\t%s\n",
		event.Id,
		event.Name,
		event.Address,
		event.Coordinate,
		mapmeet.RelativeTime(event.StartTime(), now),
		state,
	)
}

func events(opts docopt.Opts) {
	session := openSession(context.Background(), opts)
	defer session.Close()

	now := time.Now()
	session.Sync(func() {
		joined, invited := session.Store().EventList()
		for _, event := range joined {
			printEvent(event, "joined", now)
		}
		for _, event := range invited {
			printEvent(event, "invited", now)
		}
	})
}

func parseEventTime(timeStr string) (time.Time, error) {
	if d, err := time.ParseDuration(timeStr); err == nil {
		return time.Now().Add(d), nil
	}
	return time.Parse(time.RFC3339, timeStr)
}

func createEvent(opts docopt.Opts) {
	name, _ := opts.String("--name")
	address, _ := opts.String("--address")
	lonStr, _ := opts.String("--lon")
	latStr, _ := opts.String("--lat")
	timeStr, _ := opts.String("--time")

	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		Err.Fatalf("Bad lon: %s", err)
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		Err.Fatalf("Bad lat: %s", err)
	}
	startTime, err := parseEventTime(timeStr)
	if err != nil {
		Err.Fatalf("Bad time: %s", err)
	}
	var invited []string
	if invitedAny, ok := opts["--invite"].([]string); ok {
		invited = invitedAny
	}

	newEvent := &mapmeet.NewEvent{
		Name:    name,
		Address: address,
		Coordinate: mapmeet.Coordinate{
			Longitude: lon,
			Latitude:  lat,
		},
		Time:    startTime,
		Invited: invited,
	}

	var eventId string
	sessionAction(opts, "create-event", func(store *mapmeet.Store, callback mapmeet.ActionCallback) {
		var err error
		eventId, err = store.CreateEvent(newEvent, callback)
		if err != nil {
			callback(err)
		}
	})
	Out.Printf("%s\n", eventId)
}

func joinEvent(opts docopt.Opts) {
	eventId, _ := opts.String("<event_id>")
	sessionAction(opts, "join-event", func(store *mapmeet.Store, callback mapmeet.ActionCallback) {
		store.JoinEvent(eventId, callback)
	})
}

func leaveEvent(opts docopt.Opts) {
	eventId, _ := opts.String("<event_id>")
	sessionAction(opts, "leave-event", func(store *mapmeet.Store, callback mapmeet.ActionCallback) {
		store.LeaveEvent(eventId, callback)
	})
}

func printPin(prefix string, pin mapmeet.Pin) {
	state := "joined"
	if pin.Invited {
		state = "invited"
	}
	Out.Printf("%s%s\t%s\t%s\t%s\t%s\n", prefix, pin.Id, pin.Title, pin.Subtitle, pin.Coordinate, state)
}

func pins(opts docopt.Opts) {
	session := openSession(context.Background(), opts)
	defer session.Close()

	session.Sync(func() {
		adds, _ := mapmeet.DiffPins(map[string]mapmeet.Pin{}, session.Store().Pins())
		for _, pin := range adds {
			printPin("", pin)
		}
	})
}

// prints pin surface calls
type printSurface struct {
}

func (self *printSurface) AddPin(pin mapmeet.Pin, onSelect func()) {
	printPin("+pin ", pin)
}

func (self *printSurface) RemovePin(pinId string) {
	Out.Printf("-pin %s\n", pinId)
}

// follows the session until interrupted
func watch(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session := openSession(ctx, opts)
	defer session.Close()

	unbindPins := session.BindPins(&printSurface{}, nil)
	defer unbindPins()

	session.Sync(func() {
		store := session.Store()
		store.AddChangeCallback(func(collection mapmeet.Collection) {
			switch collection {
			case mapmeet.CollectionSelf:
				if self := store.Self(); self != nil {
					printUser(self, "self")
				}
			case mapmeet.CollectionFriends, mapmeet.CollectionIncomingFriends, mapmeet.CollectionOutgoingFriends:
				Out.Printf(
					"friends %d incoming %d outgoing %d\n",
					len(store.Friends()),
					len(store.IncomingFriends()),
					len(store.OutgoingFriends()),
				)
			}
		})
		session.Feed().AddChangeCallback(func(collection mapmeet.Collection) {
			Out.Printf("feed %d\n", len(session.Feed().Posts()))
		})
	})

	<-ctx.Done()
}
