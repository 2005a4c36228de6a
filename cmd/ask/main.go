// pplx ask - one-shot search from the command line
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ashureev/pplx/internal/config"
	"github.com/ashureev/pplx/internal/domain"
	"github.com/ashureev/pplx/internal/identity"
	"github.com/ashureev/pplx/internal/stream"
)

type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	var (
		mode      = flag.String("mode", config.ModeAuto, "search mode (auto, pro, reasoning, deep research)")
		model     = flag.String("model", "", "model preference (requires session cookies)")
		sources   = flag.String("sources", "web", "comma-separated sources (web, scholar, social)")
		language  = flag.String("language", "en-US", "answer language")
		followUp  = flag.String("follow-up", "", "backend uuid of the answer to continue")
		incognito = flag.Bool("incognito", false, "do not record the thread on the account")
		buffered  = flag.Bool("answer", false, "print only the final answer instead of streaming")
		cookies   = flag.String("cookies", "", "JSON cookie file for an owned session")
		files     fileList
	)
	flag.Var(&files, "file", "attach a file (repeatable)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: ask [flags] <query>")
		flag.Usage()
		os.Exit(2)
	}
	query := strings.Join(flag.Args(), " ")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fatal("load configuration", err)
	}

	creds := domain.Credentials{}
	if *cookies != "" {
		data, err := os.ReadFile(*cookies)
		if err != nil {
			fatal("read cookie file", err)
		}
		if err := json.Unmarshal(data, &creds.Cookies); err != nil {
			fatal("parse cookie file", err)
		}
	}

	ctx := context.Background()

	ident, err := identity.New(ctx, cfg, creds, logger)
	if err != nil {
		fatal("open session", err)
	}
	defer ident.Close()

	opts := identity.SearchOptions{
		Mode:      *mode,
		Model:     *model,
		Language:  *language,
		Incognito: *incognito,
	}
	if *sources != "" {
		opts.Sources = strings.Split(*sources, ",")
	}
	if *followUp != "" {
		opts.FollowUp = &domain.FollowUp{BackendUUID: *followUp}
	}
	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			fatal("read attachment", err)
		}
		opts.Files = append(opts.Files, identity.File{
			Name:    filepath.Base(path),
			Content: content,
		})
	}

	if *buffered {
		chunk, err := stream.Collect(ident.Search(ctx, query, opts))
		if err != nil {
			fatal("search", err)
		}
		fmt.Println(chunk.Answer)
		return
	}

	// Each chunk carries the full answer so far; print only the suffix.
	var printed int
	for chunk, err := range ident.Search(ctx, query, opts) {
		if err != nil {
			fatal("search", err)
		}
		if len(chunk.Answer) > printed {
			fmt.Print(chunk.Answer[printed:])
			printed = len(chunk.Answer)
		}
	}
	fmt.Println()
}

func fatal(op string, err error) {
	fmt.Fprintf(os.Stderr, "ask: %s: %v\n", op, err)
	os.Exit(1)
}
