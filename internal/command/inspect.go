package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gitlab-az1/ray/internal/cache"
	"github.com/gitlab-az1/ray/internal/config"
	"github.com/gitlab-az1/ray/internal/keyspace"
	"github.com/gitlab-az1/ray/internal/queue"
	"github.com/gitlab-az1/ray/internal/store"
	"github.com/urfave/cli/v2"
)

// InspectCommand returns the inspect subcommand group. Every subcommand
// opens the on-disk file read-only and never writes it back.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Decode and print persisted state",
		Subcommands: []*cli.Command{
			{
				Name:      "store",
				Usage:     "Print a durable store",
				ArgsUsage: "NAME",
				Action:    inspectStore,
			},
			{
				Name:  "cache",
				Usage: "Verify and print a cache snapshot",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "namespace",
						Usage: "cache namespace (default: cache.namespace from the config)",
					},
				},
				Action: inspectCache,
			},
			{
				Name:  "keyspace",
				Usage: "Verify and print a keyspace snapshot",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "namespace",
						Usage: "keyspace namespace (default: storage.keyspace from the config)",
					},
				},
				Action: inspectKeyspace,
			},
		},
	}
}

// StoreRecord is one row of `inspect store`.
type StoreRecord struct {
	Key      string         `json:"key" yaml:"key"`
	Value    any            `json:"value" yaml:"value"`
	Created  int64          `json:"created" yaml:"created"`
	Updated  int64          `json:"updated" yaml:"updated"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// CacheRecord is one row of `inspect cache`.
type CacheRecord struct {
	Key   string `json:"key" yaml:"key"`
	Value any    `json:"value" yaml:"value"`
	TTLMs int64  `json:"ttl_ms" yaml:"ttl_ms"`
}

// KeyspaceRecord is one row of `inspect keyspace`.
type KeyspaceRecord struct {
	Key     string   `json:"key" yaml:"key"`
	Type    string   `json:"type" yaml:"type"`
	Members []string `json:"members" yaml:"members"`
	// Scores is set for sorted lists, parallel to Members.
	Scores []float64 `json:"scores,omitempty" yaml:"scores,omitempty"`
}

func inspectStore(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("inspect store expects exactly one NAME argument")
	}
	name := c.Args().First()
	e := environment(c)

	s, err := store.Open[json.RawMessage](name, store.Options{Env: e})
	if err != nil {
		return err
	}
	if _, err := os.Stat(s.Path()); err != nil {
		return fmt.Errorf("store %q not found at %s: %w", name, s.Path(), err)
	}

	records := make([]StoreRecord, 0, s.Len())
	for _, key := range s.Keys() {
		entry, ok := s.GetWithMetadata(key)
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(entry.Value, &v); err != nil {
			return fmt.Errorf("failed to decode value of %q: %w", key, err)
		}
		records = append(records, StoreRecord{
			Key:      key,
			Value:    v,
			Created:  entry.Created,
			Updated:  entry.Updated,
			Metadata: entry.Metadata,
		})
	}

	if done, err := render(c.App.Writer, c.String("output"), records); done {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "KEY\tSIZE\tCREATED\tUPDATED\n")
	for _, r := range records {
		raw, _ := json.Marshal(r.Value)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Key,
			humanize.Bytes(uint64(len(raw))), since(r.Created), since(r.Updated))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return footer(c.App.Writer, s.Path(), len(records))
}

func inspectCache(c *cli.Context) error {
	e := environment(c)
	hmacKey, err := e.HMACKey()
	if err != nil {
		return err
	}

	// The queue is never started: reads do not enqueue snapshots.
	q, err := queue.New(queue.Config{Name: "inspect", HMACKey: hmacKey})
	if err != nil {
		return err
	}

	ns := c.String("namespace")
	if ns == "" {
		ns = loadConfig(c).Cache.Namespace
	}

	ch, err := cache.New(cache.Options{
		Namespace: ns,
		Env:       e,
		HMACKey:   hmacKey,
		Queue:     q,
	})
	if err != nil {
		return err
	}
	if _, err := os.Stat(ch.Path()); err != nil {
		return fmt.Errorf("cache %q not found at %s: %w", ch.Namespace(), ch.Path(), err)
	}

	records := make([]CacheRecord, 0, ch.Len())
	for _, key := range ch.Keys() {
		var v any
		if ok, err := ch.Get(key, &v); err != nil {
			return err
		} else if !ok {
			continue
		}
		records = append(records, CacheRecord{Key: key, Value: v, TTLMs: ch.TTL(key)})
	}

	if done, err := render(c.App.Writer, c.String("output"), records); done {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "KEY\tSIZE\tEXPIRES\n")
	for _, r := range records {
		raw, _ := json.Marshal(r.Value)
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Key, humanize.Bytes(uint64(len(raw))), expiry(r.TTLMs))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return footer(c.App.Writer, ch.Path(), len(records))
}

func inspectKeyspace(c *cli.Context) error {
	e := environment(c)
	hmacKey, err := e.HMACKey()
	if err != nil {
		return err
	}

	q, err := queue.New(queue.Config{Name: "inspect", HMACKey: hmacKey})
	if err != nil {
		return err
	}

	ns := c.String("namespace")
	if ns == "" {
		ns = loadConfig(c).Storage.Keyspace
	}

	ks, err := keyspace.Open(keyspace.Options{
		Namespace: ns,
		Env:       e,
		HMACKey:   hmacKey,
		Queue:     q,
	})
	if err != nil {
		return err
	}
	if _, err := os.Stat(ks.Path()); err != nil {
		return fmt.Errorf("keyspace not found at %s: %w", ks.Path(), err)
	}

	records := []KeyspaceRecord{}
	for _, key := range ks.Keys() {
		rec := KeyspaceRecord{Key: key, Type: string(ks.Type(key))}
		switch ks.Type(key) {
		case keyspace.TypeZSet:
			items, err := ks.ZRange(key, math.Inf(-1), math.Inf(1))
			if err != nil {
				return err
			}
			for _, it := range items {
				rec.Members = append(rec.Members, it.Value)
				rec.Scores = append(rec.Scores, it.Score)
			}
		case keyspace.TypeSet:
			members, err := ks.SMembers(key)
			if err != nil {
				return err
			}
			rec.Members = members
		}
		records = append(records, rec)
	}

	if done, err := render(c.App.Writer, c.String("output"), records); done {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "KEY\tTYPE\tMEMBERS\n")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Key, r.Type, humanize.Comma(int64(len(r.Members))))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return footer(c.App.Writer, ks.Path(), len(records))
}

func footer(w io.Writer, path string, n int) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\n%s: %s entries, %s on disk\n",
		path, humanize.Comma(int64(n)), humanize.Bytes(uint64(info.Size())))
	return err
}

func since(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return humanize.Time(time.UnixMilli(ms))
}

func expiry(ttlMs int64) string {
	if ttlMs < 0 {
		return "never"
	}
	return "in " + time.Duration(ttlMs*int64(time.Millisecond)).String()
}

// loadConfig falls back to the defaults when the file cannot be loaded;
// inspect only needs names from it.
func loadConfig(c *cli.Context) *config.Config {
	cfg, err := config.Load(configPath(c))
	if err != nil {
		return config.Default()
	}
	return cfg
}
