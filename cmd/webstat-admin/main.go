package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io/fs"
	"net/netip"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	json "github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"github.com/ngoyal88/webstat/pkg/api"
	"github.com/ngoyal88/webstat/pkg/archive"
	"github.com/ngoyal88/webstat/pkg/config"
	"github.com/ngoyal88/webstat/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// envFile is where init stores the generated admin key.
const envFile = ".env"

// adminKeyVar is the environment variable overriding admin.key.
const adminKeyVar = config.EnvPrefix + "_ADMIN_KEY"

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "init":
		handleInit()
	case "count", "uniques", "uniques-count", "ips", "requests", "export":
		handleRangeCommand(cmd, args)
	case "identity":
		handleIdentity(args)
	case "purge":
		handlePurge(args)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("webstat-admin commands:")
	fmt.Println("  init                 Generate admin key and store in .env")
	fmt.Println("  count                Number of requests in a range")
	fmt.Println("  uniques              Distinct identities in a range")
	fmt.Println("  uniques-count        Number of distinct identities in a range")
	fmt.Println("  ips                  Distinct client addresses in a range")
	fmt.Println("  requests             Requests in a range")
	fmt.Println("  export               Archive the requests of a range")
	fmt.Println("     flags: -config -day -tz -from -to")
	fmt.Println("  identity             Requests of one identity")
	fmt.Println("     flags: -config -id")
	fmt.Println("  purge                Remove every stored request")
	fmt.Println("     flags: -config -yes")
}

// rangeFlags are the flags selecting a range.
type rangeFlags struct {
	day  *string
	tz   *string
	from *string
	to   *string
}

// addRangeFlags registers the range flags in fs.
func addRangeFlags(fs *flag.FlagSet) (rf *rangeFlags) {
	return &rangeFlags{
		day:  fs.String("day", "", "Calendar day, like 2024-05-17"),
		tz:   fs.String("tz", "", "Time zone of -day (default UTC)"),
		from: fs.String("from", "", "Range start, RFC 3339"),
		to:   fs.String("to", "", "Range end, RFC 3339 (default now)"),
	}
}

// parse returns the range selected by the flags.
func (rf *rangeFlags) parse() (r storage.Range, err error) {
	q := url.Values{}
	for k, v := range map[string]string{"day": *rf.day, "tz": *rf.tz, "from": *rf.from, "to": *rf.to} {
		if v != "" {
			q.Set(k, v)
		}
	}

	return api.ParseRange(q, time.Now())
}

func handleRangeCommand(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	confPath := fs.String("config", "configs/config.yaml", "Config file")
	rf := addRangeFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatal().Err(err).Msg("failed to parse flags")
	}

	r, err := rf.parse()
	if err != nil {
		log.Fatal().Err(err).Msg("bad range")
	}

	cfg := mustLoadConfig(*confPath)
	s := mustOpenStore(cfg)
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Storage.OpTimeout)
	defer cancel()

	res, err := runRangeCommand(ctx, cmd, s, r, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("cmd", cmd).Msg("command failed")
	}

	printJSON(map[string]any{
		"range":  r.String(),
		"result": res,
	})
}

// runRangeCommand performs a range command against s.
func runRangeCommand(
	ctx context.Context,
	cmd string,
	s storage.Store,
	r storage.Range,
	cfg *config.Config,
) (res any, err error) {
	switch cmd {
	case "count":
		return s.Count(ctx, r)
	case "uniques":
		var ids []string
		ids, err = s.UniqueIdentities(ctx, r)
		slices.Sort(ids)

		return ids, err
	case "uniques-count":
		return s.CountUniqueIdentities(ctx, r)
	case "ips":
		var ips []netip.Addr
		ips, err = s.IPAddresses(ctx, r)
		slices.SortFunc(ips, netip.Addr.Compare)

		return ips, err
	case "requests":
		var reqs []*storage.WebRequest
		reqs, err = s.RequestsInRange(ctx, r)
		storage.SortRequests(reqs)

		return reqs, err
	case "export":
		var sink archive.Sink
		sink, err = archive.NewSink(ctx, &archive.Config{
			Dir:    cfg.Archive.Dir,
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
			Region: cfg.Archive.Region,
		})
		if err != nil {
			return nil, err
		}

		return archive.NewExporter(s, sink).Export(ctx, r)
	default:
		panic(fmt.Errorf("unexpected command %q", cmd))
	}
}

func handleIdentity(args []string) {
	fs := flag.NewFlagSet("identity", flag.ExitOnError)
	confPath := fs.String("config", "configs/config.yaml", "Config file")
	id := fs.String("id", "", "Identity")
	if err := fs.Parse(args); err != nil {
		log.Fatal().Err(err).Msg("failed to parse flags")
	}

	cfg := mustLoadConfig(*confPath)
	s := mustOpenStore(cfg)
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Storage.OpTimeout)
	defer cancel()

	reqs, err := s.RequestsByIdentity(ctx, *id)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read requests")
	}

	storage.SortRequests(reqs)
	printJSON(map[string]any{
		"identity": *id,
		"requests": reqs,
	})
}

func handlePurge(args []string) {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	confPath := fs.String("config", "configs/config.yaml", "Config file")
	yes := fs.Bool("yes", false, "Confirm removal of every stored request")
	if err := fs.Parse(args); err != nil {
		log.Fatal().Err(err).Msg("failed to parse flags")
	}

	if !*yes {
		log.Fatal().Msg("refusing to purge without -yes")
	}

	cfg := mustLoadConfig(*confPath)
	s := mustOpenStore(cfg)
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Storage.OpTimeout)
	defer cancel()

	if err := s.Purge(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to purge")
	}

	fmt.Println("All requests purged")
}

func handleInit() {
	adminKey, err := generateAdminKey()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate admin key")
	}

	if err = writeAdminKey(adminKey); err != nil {
		log.Fatal().Err(err).Msg("failed to write .env")
	}

	fmt.Printf("AdminKey: %s\nSaved to %s (%s).\n", adminKey, envFile, adminKeyVar)
}

func mustLoadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	return cfg
}

func mustOpenStore(cfg *config.Config) storage.Store {
	mmapSize, err := cfg.Storage.BoltMmapBytes()
	if err != nil {
		log.Fatal().Err(err).Msg("bad storage config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Storage.OpTimeout)
	defer cancel()

	s, err := storage.Open(
		ctx,
		cfg.Storage.Descriptor,
		storage.WithTable(cfg.Storage.Table),
		storage.WithBoltMmapSize(mmapSize),
		storage.WithoutMetrics(),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	return s
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to encode output")
	}

	fmt.Println(string(b))
}

func generateAdminKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return "admin_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// writeAdminKey sets the admin key variable in envFile, keeping the other
// lines.
func writeAdminKey(adminKey string) error {
	line := adminKeyVar + "=" + adminKey

	data, err := os.ReadFile(envFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	content := setEnvLine(string(data), adminKeyVar, line)

	return renameio.WriteFile(envFile, []byte(content), 0o600)
}

// setEnvLine replaces the assignment of name in content with line, appending
// it if there is none.
func setEnvLine(content, name, line string) (updated string) {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if content == "" {
		lines = nil
	}

	i := slices.IndexFunc(lines, func(l string) bool { return strings.HasPrefix(l, name+"=") })
	if i >= 0 {
		lines[i] = line
	} else {
		lines = append(lines, line)
	}

	return strings.Join(lines, "\n") + "\n"
}
