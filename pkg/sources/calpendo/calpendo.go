package calpendo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/worklist/pkg/common/httpclient"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"github.com/synaptica-ai/worklist/pkg/sources"
	"golang.org/x/sync/errgroup"
)

const (
	Type = "calpendo"

	MaxConcurrency     = 5
	defaultTimeout     = 30 * time.Second
	queryTimeLayout    = "20060102-1504"
	listAttempts       = 3
	mriScanBiskitType  = "MRIScan"
	defaultUsernameEnv = "CALPENDO_USERNAME"
	defaultPasswordEnv = "CALPENDO_PASSWORD"
)

var formattedNamePattern = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?), (\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?)\]`)

type Plugin struct {
	name   string
	client *http.Client
	log    *logrus.Entry
	getenv func(string) string

	baseURL          string
	resources        []string
	resourceModality map[string]string
	statusFilter     string
	username         string
	password         string
	concurrency      int
	timeout          time.Duration
	loc              *time.Location
}

func New(cfg models.SourceConfig, deps sources.Deps) (sources.Plugin, error) {
	client := deps.HTTPClient
	if client == nil {
		client = httpclient.New(defaultTimeout)
	}
	return &Plugin{
		name:   cfg.Name,
		client: client,
		log:    deps.Logger.WithField("plugin", Type),
		getenv: deps.Getenv,
	}, nil
}

func (p *Plugin) SourceName() string {
	return p.name
}

func (p *Plugin) SupportsIncrementalFetch() bool {
	return true
}

func (p *Plugin) Validate(cfg models.SourceConfig) error {
	settings := sources.NewSettings(cfg.Name, cfg.Config)

	base, err := settings.URL("base_url")
	if err != nil {
		return err
	}
	p.baseURL = strings.TrimRight(base.String(), "/")

	if p.resources, err = settings.StringSlice("resources"); err != nil {
		return err
	}
	if len(p.resources) == 0 {
		return &sources.ConfigError{Source: cfg.Name, Key: "config.resources", Reason: "must be a non-empty list"}
	}

	if p.resourceModality, err = settings.StringMap("resource_modality_mapping"); err != nil {
		return err
	}
	if p.statusFilter, err = settings.String("status_filter", ""); err != nil {
		return err
	}
	if p.username, err = settings.Secret("username_env", defaultUsernameEnv, p.getenv); err != nil {
		return err
	}
	if p.password, err = settings.Secret("password_env", defaultPasswordEnv, p.getenv); err != nil {
		return err
	}

	if p.concurrency, err = settings.Int("max_concurrency", MaxConcurrency); err != nil {
		return err
	}
	if p.concurrency < 1 || p.concurrency > MaxConcurrency {
		return &sources.ConfigError{Source: cfg.Name, Key: "config.max_concurrency", Reason: fmt.Sprintf("must be between 1 and %d", MaxConcurrency)}
	}
	if p.timeout, err = settings.Duration("request_timeout", defaultTimeout); err != nil {
		return err
	}

	if p.loc, err = time.LoadLocation(cfg.TimezoneName()); err != nil {
		return &sources.ConfigError{Source: cfg.Name, Key: "timezone", Reason: "invalid IANA zone", Err: err}
	}
	return nil
}

// Fetch lists bookings starting inside window and loads each booking's
// detail with bounded parallelism. A booking deleted between list and
// detail (404) is skipped; any other detail failure fails the batch so the
// reconciler never mistakes a partial fetch for disappearance.
func (p *Plugin) Fetch(ctx context.Context, window models.SyncWindow) ([]models.RawRecord, error) {
	ids, err := p.listBookings(ctx, window)
	if err != nil {
		return nil, &sources.FetchError{Source: p.name, Op: "list bookings", Err: err}
	}
	p.log.WithFields(logrus.Fields{
		"bookings": len(ids),
		"start":    window.Start.Format(time.RFC3339),
		"end":      window.End.Format(time.RFC3339),
	}).Debug("Listed Calpendo bookings")
	if len(ids) == 0 {
		return nil, nil
	}

	results := make([]models.RawRecord, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			booking, err := p.fetchBooking(gctx, id)
			if err != nil {
				return err
			}
			results[i] = booking
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &sources.FetchError{Source: p.name, Op: "booking detail", Err: err}
	}

	records := make([]models.RawRecord, 0, len(results))
	for _, rec := range results {
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// BuildQuery renders the WebDAV booking query for window.
func (p *Plugin) BuildQuery(window models.SyncWindow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "AND/dateRange.start/GE/%s/dateRange.start/LT/%s",
		window.Start.In(p.loc).Format(queryTimeLayout),
		window.End.In(p.loc).Format(queryTimeLayout))
	if len(p.resources) > 0 {
		b.WriteString("/OR")
		for _, r := range p.resources {
			b.WriteString("/resource.name/EQ/")
			b.WriteString(url.PathEscape(r))
		}
	}
	if p.statusFilter != "" {
		b.WriteString("/status/EQ/")
		b.WriteString(url.PathEscape(p.statusFilter))
	}
	return b.String()
}

type biskitList struct {
	Biskits []struct {
		ID         json.Number            `json:"id"`
		Properties map[string]interface{} `json:"properties"`
	} `json:"biskits"`
}

func (p *Plugin) listBookings(ctx context.Context, window models.SyncWindow) ([]string, error) {
	endpoint := p.baseURL + "/webdav/q/Calpendo.Booking/" + p.BuildQuery(window)

	var list biskitList
	if err := p.getJSON(ctx, endpoint, listAttempts, &list); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list.Biskits))
	for _, b := range list.Biskits {
		if id := b.ID.String(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (p *Plugin) fetchBooking(ctx context.Context, id string) (models.RawRecord, error) {
	var booking map[string]interface{}
	err := p.getJSON(ctx, p.baseURL+"/webdav/b/Calpendo.Booking/"+url.PathEscape(id), listAttempts, &booking)
	if httpclient.IsStatus(err, http.StatusNotFound) {
		p.log.WithField("booking_id", id).Info("Booking vanished before detail fetch, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("booking %s: %w", id, err)
	}

	rec := models.RawRecord(booking)
	rec["key"] = id
	rec["operator"] = ""
	if str(rec["biskitType"]) == mriScanBiskitType {
		operator, err := p.fetchOperator(ctx, id)
		if err != nil {
			p.log.WithError(err).WithField("booking_id", id).Warn("Operator lookup failed, leaving operator empty")
		} else {
			rec["operator"] = operator
		}
	}

	props, _ := rec["properties"].(map[string]interface{})
	status := str(rec["status"])
	if status == "" && props != nil {
		status = str(props["status"])
	}
	rec["status"] = status
	rec["resource"] = nestedString(props, "resource", "formattedName")

	schedule := map[string]interface{}{}
	if start, end, ok := parseFormattedName(str(rec["formattedName"])); ok {
		schedule["start"], schedule["end"] = start, end
	} else if dr, ok := props["dateRange"].(map[string]interface{}); ok {
		schedule["start"] = str(dr["start"])
		end := str(dr["end"])
		if end == "" {
			end = str(dr["finish"])
		}
		schedule["end"] = end
	}
	rec["schedule"] = schedule
	return rec, nil
}

type operatorList struct {
	Biskits []struct {
		Properties struct {
			Operator struct {
				Name string `json:"name"`
			} `json:"Operator"`
		} `json:"properties"`
	} `json:"biskits"`
}

// fetchOperator is a best-effort secondary lookup and is not retried.
func (p *Plugin) fetchOperator(ctx context.Context, id string) (string, error) {
	endpoint := p.baseURL + "/webdav/q/MRIScan/id/eq/" + url.PathEscape(id) + "?paths=Operator.name"
	var list operatorList
	if err := p.getJSON(ctx, endpoint, 1, &list); err != nil {
		return "", err
	}
	if len(list.Biskits) == 0 {
		return "", nil
	}
	return list.Biskits[0].Properties.Operator.Name, nil
}

func (p *Plugin) getJSON(ctx context.Context, endpoint string, attempts int, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return httpclient.DoJSON(ctx, p.client, attempts, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(p.username, p.password)
		return req, nil
	}, out)
}

func parseFormattedName(value string) (string, string, bool) {
	m := formattedNamePattern.FindStringSubmatch(value)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func nestedString(m map[string]interface{}, keys ...string) string {
	var cur interface{} = m
	for _, k := range keys {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur = node[k]
	}
	return str(cur)
}

func str(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}
