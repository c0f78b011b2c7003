package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	defaultAPI = "http://localhost:8080"
)

type watermarkResponse struct {
	Watermark *time.Time `json:"watermark"`
}

type outcomeResponse struct {
	Report struct {
		Kind   string `json:"kind"`
		Status string `json:"status"`
	} `json:"report"`
	Text      string    `json:"text"`
	Sent      bool      `json:"sent"`
	Watermark time.Time `json:"watermark"`
}

type recordResponse struct {
	Kind      string    `json:"kind"`
	Date      string    `json:"date"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Watermark time.Time `json:"watermark"`
	Delivered bool      `json:"delivered"`
}

type failedResponse struct {
	Failed []struct {
		ID       string    `json:"id"`
		Type     string    `json:"type"`
		Error    string    `json:"error"`
		FailedAt time.Time `json:"failed_at"`
	} `json:"failed"`
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: devpulse-admin [flags] <command> [args]

commands:
  watermark                 show the persisted report watermark
  preview [daily|weekly]    render the next report without sending it
  run [daily|weekly]        generate and deliver a report now
  redeliver <date>          resend an archived report (YYYY-MM-DD)
  failed                    list dead-lettered jobs

flags:`)
	flag.PrintDefaults()
}

func main() {
	api := flag.String("api", envDefault("DEVPULSE_API", defaultAPI), "Base URL of the devpulse ops API")
	date := flag.String("date", "", "Report date override (YYYY-MM-DD)")
	kind := flag.String("type", "daily", "Report type for redeliver")
	dumpJSON := flag.Bool("json", false, "Output JSON instead of table")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}
	c := client{base: strings.TrimRight(*api, "/"), json: *dumpJSON}

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "watermark":
		err = c.watermark()
	case "preview":
		err = c.preview(argOr(1, "daily"), *date)
	case "run":
		err = c.run(argOr(1, "daily"), *date)
	case "redeliver":
		if flag.NArg() < 2 {
			err = fmt.Errorf("redeliver needs a date")
			break
		}
		err = c.redeliver(*kind, flag.Arg(1))
	case "failed":
		err = c.failed()
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type client struct {
	base string
	json bool
}

func (c client) watermark() error {
	var resp watermarkResponse
	if err := c.do(http.MethodGet, "/api/v1/watermark", nil, nil, &resp); err != nil {
		return err
	}
	if c.json {
		return dump(resp)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Watermark\n")
	if resp.Watermark == nil {
		fmt.Fprintf(tw, "(none)\n")
	} else {
		fmt.Fprintf(tw, "%s\n", resp.Watermark.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (c client) preview(kind, date string) error {
	query := url.Values{"type": {kind}}
	if date != "" {
		query.Set("date", date)
	}
	var resp outcomeResponse
	if err := c.do(http.MethodGet, "/api/v1/reports/preview", query, nil, &resp); err != nil {
		return err
	}
	if c.json {
		return dump(resp)
	}
	fmt.Print(resp.Text)
	return nil
}

func (c client) run(kind, date string) error {
	body := map[string]string{"type": kind}
	if date != "" {
		body["dateOverride"] = date
	}
	var resp outcomeResponse
	if err := c.do(http.MethodPost, "/api/v1/reports/run", nil, body, &resp); err != nil {
		return err
	}
	if c.json {
		return dump(resp)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Type\tStatus\tSent\tWatermark\n")
	fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", resp.Report.Kind, resp.Report.Status, resp.Sent, resp.Watermark.Format(time.RFC3339))
	return tw.Flush()
}

func (c client) redeliver(kind, date string) error {
	var resp recordResponse
	path := "/api/v1/reports/" + url.PathEscape(date) + "/redeliver"
	if err := c.do(http.MethodPost, path, url.Values{"type": {kind}}, nil, &resp); err != nil {
		return err
	}
	if c.json {
		return dump(resp)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Type\tDate\tStatus\tDelivered\n")
	fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", resp.Kind, resp.Date, resp.Status, resp.Delivered)
	return tw.Flush()
}

func (c client) failed() error {
	var resp failedResponse
	if err := c.do(http.MethodGet, "/api/v1/jobs/failed", nil, nil, &resp); err != nil {
		return err
	}
	if c.json {
		return dump(resp)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tType\tFailedAt\tError\n")
	for _, f := range resp.Failed {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.ID, f.Type, f.FailedAt.Format(time.RFC3339), f.Error)
	}
	return tw.Flush()
}

func (c client) do(method, path string, query url.Values, body, out any) error {
	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s %s failed: %s: %s", method, path, resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s %s failed: %s", method, path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func dump(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func argOr(i int, def string) string {
	if flag.NArg() > i {
		return flag.Arg(i)
	}
	return def
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
