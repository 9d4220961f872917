package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/kroma-labs/persistent-go/config"
	"github.com/kroma-labs/persistent-go/httpclient"
)

// errSelectMissing is returned when --select matches nothing in the body.
var errSelectMissing = errors.New("select path matched nothing")

// requestFlags are shared by every verb command.
type requestFlags struct {
	configPath string
	baseURL    string
	headers    []string
	data       string
	selectPath string
}

func newRootCommand(out io.Writer) *cobra.Command {
	flags := &requestFlags{}

	cmd := &cobra.Command{
		Use:   "phttp",
		Short: "Send HTTP requests over a persistent connection pool",
		Long: `phttp sends a single request with the persistent-go HTTP client.

Configuration is read from --config, PHTTP_* environment variables and the
flags below, in increasing priority. Connection failures are retried on a
freshly rebuilt connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to a YAML client configuration")
	pf.StringVar(&flags.baseURL, "base-url", "", "Base URL, overrides the configuration")
	pf.StringArrayVarP(&flags.headers, "header", "H", nil, "Request header as 'Name: value', repeatable")
	pf.StringVarP(&flags.data, "data", "d", "",
		"Request body, or query string for get and head; '@file' reads a file")
	pf.StringVar(&flags.selectPath, "select", "", "Print only this gjson path of a JSON response")

	for _, verb := range []httpclient.Verb{
		httpclient.VerbGet,
		httpclient.VerbHead,
		httpclient.VerbPost,
		httpclient.VerbPut,
		httpclient.VerbPatch,
		httpclient.VerbDelete,
	} {
		cmd.AddCommand(newVerbCommand(verb, flags, out))
	}
	return cmd
}

func newVerbCommand(verb httpclient.Verb, flags *requestFlags, out io.Writer) *cobra.Command {
	name := strings.ToLower(string(verb))
	return &cobra.Command{
		Use:   name + " PATH",
		Short: "Send a " + string(verb) + " request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return send(ctx, verb, args[0], flags, out)
		},
	}
}

func send(ctx context.Context, verb httpclient.Verb, path string, flags *requestFlags, out io.Writer) error {
	var overrides []config.LoadOption
	if flags.baseURL != "" {
		overrides = append(overrides, config.WithOverrides(map[string]any{"base_url": flags.baseURL}))
	}

	f, err := config.Load(flags.configPath, overrides...)
	if err != nil {
		return err
	}

	opts, err := f.Options()
	if err != nil {
		return err
	}

	client, err := httpclient.New(f.BaseURL, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	headers, err := parseHeaders(flags.headers)
	if err != nil {
		return err
	}

	payload, err := readData(flags.data)
	if err != nil {
		return err
	}
	if payload != "" && verb != httpclient.VerbGet && verb != httpclient.VerbHead &&
		gjson.Valid(payload) && !hasHeader(headers, "content-type") {
		headers["content-type"] = httpclient.ContentTypeJSON
	}

	var data any
	if payload != "" {
		data = payload
	}

	resp, err := client.Do(ctx, verb, path, headers, data)
	if err != nil {
		return err
	}
	return printResponse(out, resp, flags.selectPath)
}

// parseHeaders accepts "Name: value" and "Name=value".
func parseHeaders(raw []string) (map[string]string, error) {
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			name, value, ok = strings.Cut(h, "=")
		}
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

func readData(data string) (string, error) {
	file, ok := strings.CutPrefix(data, "@")
	if !ok {
		return data, nil
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read data file: %w", err)
	}
	return string(b), nil
}

func printResponse(out io.Writer, resp *httpclient.Response, selectPath string) error {
	if _, err := fmt.Fprintln(out, resp.Status); err != nil {
		return err
	}

	body := resp.Body()
	if selectPath != "" {
		result := gjson.GetBytes(body, selectPath)
		if !result.Exists() {
			return fmt.Errorf("%w: %s", errSelectMissing, selectPath)
		}
		_, err := fmt.Fprintln(out, result.String())
		return err
	}

	if len(body) == 0 {
		return nil
	}
	_, err := fmt.Fprintln(out, strings.TrimRight(string(body), "\n"))
	return err
}
