package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/bringyour/mirror/mirror"
)

const MirrorCtlVersion = "0.0.1"

const stopTimeout = 10 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Mirror control.

Settings not given as options are read from the config file (TOML), e.g.
    [feed]
    listen_url = "wss://feed.example.com/listen"
    documents_url = "https://firestore.googleapis.com/v1"
    [tree]
    url = "https://tree.example.com"
    [auth]
    project_id = "example"
    hmac_secret = "..."
    [mirror]
    data_dir = "/var/lib/mirror"

Usage:
    mirrorctl watch-collection [--config=<config>] [--listen_url=<listen_url>] [--token=<token>]
        --collection=<collection>
        [--data_dir=<data_dir>]
        [--fill] [--documents_url=<documents_url>]
        [--once]
        [--update_count=<update_count>]
        [-v <level>]
    mirrorctl watch-tree [--config=<config>] [--tree_url=<tree_url>] [--token=<token>]
        [--path=<path>]
        [--data_dir=<data_dir>]
        [--change_count=<change_count>]
        [-v <level>]
    mirrorctl get [--config=<config>] [--tree_url=<tree_url>] [--token=<token>] [--shallow] <path>
    mirrorctl put [--config=<config>] [--tree_url=<tree_url>] [--token=<token>] <path> <value>
    mirrorctl patch [--config=<config>] [--tree_url=<tree_url>] [--token=<token>] <path> <value>
    mirrorctl token-info [--keys_url=<keys_url>] [--project_id=<project_id>] [--issuer=<issuer>] [<token>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --config=<config>              TOML settings file.
    --listen_url=<listen_url>      Collection feed websocket url.
    --tree_url=<tree_url>          Tree base url.
    --token=<token>                Bearer token. "-" reads it from the terminal.
    --collection=<collection>      Collection id to mirror.
    --data_dir=<data_dir>          Keep the mirror in this dir across runs.
    --fill                         List the whole collection before listening.
    --documents_url=<documents_url>  Document listing base url.
    --once                         Stop after the collection is current.
    --update_count=<update_count>  Print this many updates then exit.
    --path=<path>                  Tree path to watch [default: /].
    --change_count=<change_count>  Print this many changes then exit.
    --shallow                      Read only the keys below the path.
    --keys_url=<keys_url>          Verify the token signature with the keys at this url.
    --project_id=<project_id>      Expected audience when verifying.
    --issuer=<issuer>              Expected issuer when verifying.
    -v <level>                     Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], MirrorCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if level, err := opts.String("-v"); err == nil {
		flag.Set("v", level)
	}

	if watchCollection_, _ := opts.Bool("watch-collection"); watchCollection_ {
		watchCollection(opts)
	} else if watchTree_, _ := opts.Bool("watch-tree"); watchTree_ {
		watchTree(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if put_, _ := opts.Bool("put"); put_ {
		put(opts)
	} else if patch_, _ := opts.Bool("patch"); patch_ {
		patch(opts)
	} else if tokenInfo_, _ := opts.Bool("token-info"); tokenInfo_ {
		tokenInfo(opts)
	}
}

func loadConfig(opts docopt.Opts) *Config {
	configPath, _ := opts.String("--config")
	config, err := LoadConfig(configPath)
	if err != nil {
		Err.Fatalf("Could not load config %s = %s", configPath, err)
	}
	return config
}

func optOrConfig(opts docopt.Opts, key string, config *Config, configKey string) string {
	if val, err := opts.String(key); err == nil && val != "" {
		return val
	}
	return config.String(configKey, "")
}

func readToken(prompt string) string {
	if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Fprint(os.Stderr, prompt)
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Could not read token = %s", err)
		}
		return strings.TrimSpace(string(tokenBytes))
	}
	tokenBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		Err.Fatalf("Could not read token = %s", err)
	}
	return strings.TrimSpace(string(tokenBytes))
}

// nil when no credential is configured
func authorization(opts docopt.Opts, config *Config) mirror.Authorization {
	projectId := config.String("auth.project_id", "")

	token := optOrConfig(opts, "--token", config, "auth.token")
	if token == "-" {
		token = readToken("Token: ")
	}
	if token != "" {
		if projectId != "" {
			return mirror.NewStaticAuthorization(projectId, token)
		}
		auth, err := mirror.NewStaticAuthorizationFromJwt(token)
		if err != nil {
			Err.Fatalf("Token is not a jwt and no project id is set = %s", err)
		}
		return auth
	}

	if secret := config.String("auth.hmac_secret", ""); secret != "" {
		return mirror.NewHmacJwtAuthorization(projectId, []byte(secret), config.SignedJwtSettings())
	}

	if keyFile := config.String("auth.rsa_key_file", ""); keyFile != "" {
		keyPem, err := os.ReadFile(keyFile)
		if err != nil {
			Err.Fatalf("Could not read key %s = %s", keyFile, err)
		}
		auth, err := mirror.NewRsaJwtAuthorization(
			projectId,
			keyPem,
			config.String("auth.key_id", ""),
			config.SignedJwtSettings(),
		)
		if err != nil {
			Err.Fatalf("Could not parse key %s = %s", keyFile, err)
		}
		return auth
	}

	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func countOpt(opts docopt.Opts, key string) int {
	count, err := opts.Int(key)
	if err != nil {
		return -1
	}
	return count
}

func watchCollection(opts docopt.Opts) {
	config := loadConfig(opts)
	listenUrl := optOrConfig(opts, "--listen_url", config, "feed.listen_url")
	if listenUrl == "" {
		Err.Fatalf("No listen url.")
	}
	collection, _ := opts.String("--collection")
	dataDir := optOrConfig(opts, "--data_dir", config, "mirror.data_dir")
	once, _ := opts.Bool("--once")
	updateCount := countOpt(opts, "--update_count")

	ctx, cancel := signalContext()
	defer cancel()

	var collectionMirror *mirror.CollectionMirror[mirror.TreeValue]
	if dataDir != "" {
		collectionMirror = mirror.EnsureCollectionMirror(collection, dataDir, mirror.TreeDocumentConverter())
	} else {
		collectionMirror = mirror.NewCollectionMirror(collection, mirror.TreeDocumentConverter())
	}

	auth := authorization(opts, config)
	if fill, _ := opts.Bool("--fill"); fill {
		documentsUrl := optOrConfig(opts, "--documents_url", config, "feed.documents_url")
		if documentsUrl == "" {
			documentsUrl = mirror.DefaultDocumentBaseUrl
		}
		documentClient := mirror.NewDocumentClient(ctx, documentsUrl, auth)
		n, err := collectionMirror.Fill(documentClient)
		documentClient.Close()
		if err != nil {
			Err.Fatalf("Fill = %s", err)
		}
		Out.Printf("%s %s (%d documents)\n", color.CyanString("fill"), collection, n)
	}

	dialer := mirror.NewWsListenDialerWithDefaults(listenUrl)
	builder := mirror.NewListenRequestBuilder(dialer, auth, collection).
		ResumeToken(collectionMirror.ResumeToken())
	if once {
		builder.Once()
	}
	supervisor := builder.BuildRetry(context.Background(), config.SupervisorSettings())

	Out.Printf("%s %s (%d cached)\n", color.CyanString("watch"), collection, collectionMirror.Len())

	n := 0
	for n != updateCount {
		select {
		case <-ctx.Done():
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			err := supervisor.Stop(stopCtx)
			stopCancel()
			if err != nil {
				Err.Printf("Stop = %s\n", err)
			}
			return
		case update, ok := <-supervisor.Updates():
			if !ok {
				if err := supervisor.Err(); err != nil {
					Err.Fatalf("Stopped = %s", err)
				}
				return
			}
			collectionMirror.UpdateFrom(update)
			printCollectionUpdate(update)
			n += 1
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := supervisor.Stop(stopCtx); err != nil {
		Err.Printf("Stop = %s\n", err)
	}
}

func printCollectionUpdate(update *mirror.CollectionUpdate) {
	if update.IsEmpty() {
		Out.Printf("%s\n", color.HiBlackString("current"))
		return
	}
	for _, change := range update.Changes {
		switch change.Type {
		case mirror.CollectionChangeDeleted:
			Out.Printf("%s %s\n", color.RedString("-"), change.Id)
		default:
			Out.Printf("%s %s\n", color.GreenString("+"), change.Id)
			if document, ok := update.Documents[change.Id]; ok {
				if value, err := mirror.DocumentTreeValue(document); err == nil {
					Out.Printf("  %s\n", value)
				}
			}
		}
	}
}

func watchTree(opts docopt.Opts) {
	config := loadConfig(opts)
	treeUrl := optOrConfig(opts, "--tree_url", config, "tree.url")
	if treeUrl == "" {
		Err.Fatalf("No tree url.")
	}
	path, _ := opts.String("--path")
	dataDir := optOrConfig(opts, "--data_dir", config, "mirror.data_dir")
	changeCount := countOpt(opts, "--change_count")

	ctx, cancel := signalContext()
	defer cancel()

	treeMirror := mirror.NewTreeMirror()
	if dataDir != "" {
		name := strings.ReplaceAll(strings.Trim(path, "/"), "/", "_")
		if name == "" {
			name = "root"
		}
		treeMirror = mirror.NewTreeMirrorWithStore(
			mirror.NewFileMirrorStore(fmt.Sprintf("%s/%s-tree.json", dataDir, name)),
		)
	}

	client := mirror.NewTreeClient(context.Background(), treeUrl, authorization(opts, config))
	defer client.Close()
	listener := client.Listen(path, treeMirror, config.TreeListenerSettings())

	Out.Printf("%s %s\n", color.CyanString("watch"), listener.Url())

	n := 0
	for n != changeCount {
		select {
		case <-ctx.Done():
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			err := listener.Stop(stopCtx)
			stopCancel()
			if err != nil {
				Err.Printf("Stop = %s\n", err)
			}
			return
		case change, ok := <-listener.Changes():
			if !ok {
				if err := listener.Err(); err != nil {
					Err.Fatalf("Stopped = %s", err)
				}
				return
			}
			value, _ := change.Value.Get(change.Path)
			Out.Printf("%s %s\n", color.CyanString(change.Path.String()), value)
			n += 1
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := listener.Stop(stopCtx); err != nil {
		Err.Printf("Stop = %s\n", err)
	}
}

func treeClient(opts docopt.Opts) *mirror.TreeClient {
	config := loadConfig(opts)
	treeUrl := optOrConfig(opts, "--tree_url", config, "tree.url")
	if treeUrl == "" {
		Err.Fatalf("No tree url.")
	}
	return mirror.NewTreeClient(context.Background(), treeUrl, authorization(opts, config))
}

func parseValueArg(opts docopt.Opts) mirror.TreeValue {
	valueStr, _ := opts.String("<value>")
	value, err := mirror.ParseTreeValue([]byte(valueStr))
	if err != nil {
		// bare words are strings
		return mirror.NewString(valueStr)
	}
	return value
}

func get(opts docopt.Opts) {
	client := treeClient(opts)
	defer client.Close()
	path, _ := opts.String("<path>")
	shallow, _ := opts.Bool("--shallow")

	value, err := client.Get(path, shallow)
	if err != nil {
		Err.Fatalf("Get %s = %s", path, err)
	}
	Out.Printf("%s\n", value)
}

func put(opts docopt.Opts) {
	client := treeClient(opts)
	defer client.Close()
	path, _ := opts.String("<path>")

	value, err := client.Put(path, parseValueArg(opts))
	if err != nil {
		Err.Fatalf("Put %s = %s", path, err)
	}
	Out.Printf("%s\n", value)
}

func patch(opts docopt.Opts) {
	client := treeClient(opts)
	defer client.Close()
	path, _ := opts.String("<path>")

	value, err := client.Patch(path, parseValueArg(opts))
	if err != nil {
		Err.Fatalf("Patch %s = %s", path, err)
	}
	Out.Printf("%s\n", value)
}

func tokenInfo(opts docopt.Opts) {
	token, _ := opts.String("<token>")
	if token == "" {
		token = readToken("Token: ")
	}

	claims, err := mirror.ParseTokenClaimsUnverified(token)
	if err != nil {
		Err.Fatalf("Bad token = %s", err)
	}
	claimsJson, _ := json.MarshalIndent(claims, "", "  ")
	Out.Printf("%s\n", claimsJson)

	keysUrl, _ := opts.String("--keys_url")
	if keysUrl == "" {
		return
	}
	projectId, _ := opts.String("--project_id")
	if projectId == "" {
		projectId = claims.ProjectId
	}
	issuer, _ := opts.String("--issuer")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := mirror.VerifyIdToken(ctx, mirror.SharedPublicKeyCache(keysUrl), token, projectId, issuer); err != nil {
		Out.Printf("%s %s\n", color.RedString("invalid"), err)
		os.Exit(1)
	}
	Out.Printf("%s\n", color.GreenString("valid"))
}
