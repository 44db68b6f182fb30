package redcap

import (
	"context"
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
	"github.com/synaptica-ai/worklist/pkg/transform"
)

const (
	Type = "redcap"

	defaultInstrument = "mri"
	defaultURLEnv     = "REDCAP_API_URL"
	defaultTokenEnv   = "REDCAP_API_TOKEN"
	defaultTimeout    = 60 * time.Second
	exportAttempts    = 3
	dateRangeLayout   = "2006-01-02 15:04:05"
)

// Fields always requested in addition to the configured ones.
var baseFields = []string{
	"record_id", "study_id", "redcap_repeat_instrument", "mri_instance",
	"mri_date", "mri_time", "family_id", "youth_dob_y", "demo_sex",
}

var (
	datePattern = regexp.MustCompile(`^(\d{4})[-/.](\d{2})[-/.](\d{2})$`)
	timePattern = regexp.MustCompile(`^(\d{2}):(\d{2})(?::(\d{2}))?$`)
	allDigits   = regexp.MustCompile(`^\d+$`)
)

type Plugin struct {
	name   string
	client *http.Client
	log    *logrus.Entry
	getenv func(string) string

	apiURL      string
	token       string
	siteID      string
	protocol    string
	instrument  string
	fields      []string
	incremental bool
	timeout     time.Duration
	loc         *time.Location
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

// SupportsIncrementalFetch is true only when the source asks for the
// modification-time filter. Such a fetch returns a subset, so it cannot be
// combined with retirement of missing rows.
func (p *Plugin) SupportsIncrementalFetch() bool {
	return p.incremental
}

func (p *Plugin) Validate(cfg models.SourceConfig) error {
	settings := sources.NewSettings(cfg.Name, cfg.Config)
	var err error

	if p.siteID, err = settings.RequireString("site_id"); err != nil {
		return err
	}
	if p.protocol, err = resolveProtocol(settings, cfg.Name, p.siteID); err != nil {
		return err
	}

	if p.apiURL, err = settings.Secret("api_url_env", defaultURLEnv, p.getenv); err != nil {
		return err
	}
	if u, perr := url.Parse(p.apiURL); perr != nil || u.Host == "" {
		return &sources.ConfigError{Source: cfg.Name, Key: "config.api_url_env", Reason: "does not hold an absolute URL"}
	}
	if p.token, err = settings.Secret("token_env", defaultTokenEnv, p.getenv); err != nil {
		return err
	}

	if p.instrument, err = settings.String("instrument", defaultInstrument); err != nil {
		return err
	}
	extra, err := settings.StringSlice("fields")
	if err != nil {
		return err
	}
	p.fields = mergeFields(baseFields, extra)

	if p.incremental, err = settings.Bool("incremental", false); err != nil {
		return err
	}
	if p.incremental && cfg.ShouldRetireMissing() {
		return &sources.ConfigError{Source: cfg.Name, Key: "config.incremental", Reason: "requires retire_missing: false"}
	}
	if p.timeout, err = settings.Duration("request_timeout", defaultTimeout); err != nil {
		return err
	}
	if p.loc, err = time.LoadLocation(cfg.TimezoneName()); err != nil {
		return &sources.ConfigError{Source: cfg.Name, Key: "timezone", Reason: "invalid IANA zone", Err: err}
	}
	return nil
}

// resolveProtocol accepts a protocol name or a map of site id to name.
func resolveProtocol(settings sources.Settings, source, siteID string) (string, error) {
	if bySite, ok := settings.Map("protocol"); ok {
		name, _ := bySite[siteID].(string)
		if name == "" {
			return "", &sources.ConfigError{Source: source, Key: "config.protocol", Reason: fmt.Sprintf("no protocol for site %q", siteID)}
		}
		return name, nil
	}
	return settings.RequireString("protocol")
}

func mergeFields(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, f := range append(append([]string{}, base...), extra...) {
		if f != "" && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// Fetch exports every session of the configured instrument and keeps those
// scheduled inside window. In incremental mode REDCap filters by record
// modification time instead and no schedule filter is applied.
func (p *Plugin) Fetch(ctx context.Context, window models.SyncWindow) ([]models.RawRecord, error) {
	valid, err := p.exportMetadata(ctx)
	if err != nil {
		return nil, &sources.FetchError{Source: p.name, Op: "export metadata", Err: err}
	}
	fields := make([]string, 0, len(p.fields))
	for _, f := range p.fields {
		if valid[f] || f == "redcap_repeat_instrument" {
			fields = append(fields, f)
		}
	}
	if !valid["record_id"] {
		return nil, &sources.FetchError{Source: p.name, Op: "export metadata", Err: fmt.Errorf("project has no record_id field")}
	}

	rows, err := p.exportRecords(ctx, fields, window)
	if err != nil {
		return nil, &sources.FetchError{Source: p.name, Op: "export records", Err: err}
	}

	sessions := p.mergeSessions(rows, fields)
	records := make([]models.RawRecord, 0, len(sessions))
	for _, session := range sessions {
		rec := p.derive(session)
		if !p.incremental && !p.inWindow(rec, window) {
			continue
		}
		records = append(records, rec)
	}
	p.log.WithFields(logrus.Fields{
		"rows":     len(rows),
		"sessions": len(sessions),
		"records":  len(records),
	}).Debug("Exported REDCap records")
	return records, nil
}

func (p *Plugin) exportMetadata(ctx context.Context) (map[string]bool, error) {
	form := url.Values{}
	form.Set("content", "metadata")
	var metadata []struct {
		FieldName string `json:"field_name"`
	}
	if err := p.post(ctx, form, &metadata); err != nil {
		return nil, err
	}
	valid := make(map[string]bool, len(metadata))
	for _, m := range metadata {
		valid[m.FieldName] = true
	}
	return valid, nil
}

func (p *Plugin) exportRecords(ctx context.Context, fields []string, window models.SyncWindow) ([]map[string]interface{}, error) {
	form := url.Values{}
	form.Set("content", "record")
	form.Set("type", "flat")
	for i, f := range fields {
		form.Set(fmt.Sprintf("fields[%d]", i), f)
	}
	if p.incremental {
		form.Set("dateRangeBegin", window.Start.In(p.loc).Format(dateRangeLayout))
		form.Set("dateRangeEnd", window.End.In(p.loc).Format(dateRangeLayout))
	}
	var rows []map[string]interface{}
	if err := p.post(ctx, form, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (p *Plugin) post(ctx context.Context, form url.Values, out interface{}) error {
	form.Set("token", p.token)
	form.Set("format", "json")
	form.Set("returnFormat", "json")
	body := form.Encode()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return httpclient.DoJSON(ctx, p.client, exportAttempts, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, out)
}

// mergeSessions groups rows by record_id and overlays each complete
// instrument row on the record's baseline row.
func (p *Plugin) mergeSessions(rows []map[string]interface{}, fields []string) []map[string]string {
	var order []string
	groups := make(map[string][]map[string]interface{})
	for _, row := range rows {
		id := value(row, "record_id")
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], row)
	}

	var sessions []map[string]string
	for _, id := range order {
		group := groups[id]
		var baseline map[string]interface{}
		for _, row := range group {
			if value(row, "redcap_repeat_instrument") == "" {
				baseline = row
				break
			}
		}

		for _, row := range group {
			if value(row, "redcap_repeat_instrument") != p.instrument ||
				value(row, "mri_instance") == "" || value(row, "mri_date") == "" || value(row, "mri_time") == "" {
				continue
			}
			session := map[string]string{"record_id": id}
			for _, f := range fields {
				if v := value(row, f); v != "" {
					session[f] = v
				} else {
					session[f] = value(baseline, f)
				}
			}
			sessions = append(sessions, session)
		}
	}
	return sessions
}

func (p *Plugin) derive(session map[string]string) models.RawRecord {
	studyID := lastSegment(session["study_id"])
	familyID := lastSegment(session["family_id"])
	instance := session["mri_instance"]

	rec := make(models.RawRecord, len(session)+8)
	for k, v := range session {
		rec[k] = v
	}
	rec["key"] = fmt.Sprintf("%s-%s-%s", session["record_id"], p.instrument, instance)
	if studyID != "" {
		rec["subject_id"] = fmt.Sprintf("sub_%s_ses_%s_fam_%s", studyID, instance, familyID)
		rec["subject_name"] = fmt.Sprintf("cpip-id-%s^fa-%s", studyID, familyID)
	}
	rec["scheduled_date"] = normalizeDate(session["mri_date"])
	rec["scheduled_time"] = normalizeTime(session["mri_time"])
	rec["protocol_name"] = p.protocol
	rec["site_id"] = p.siteID
	return rec
}

// inWindow keeps records whose schedule cannot be read so the transformer
// reports them.
func (p *Plugin) inWindow(rec models.RawRecord, window models.SyncWindow) bool {
	wall, err := time.Parse("2006-01-02 15:04", fmt.Sprintf("%s %s", rec["scheduled_date"], rec["scheduled_time"]))
	if err != nil {
		return true
	}
	at, err := transform.ResolveLocal(wall, p.loc)
	if err != nil {
		return true
	}
	return window.Contains(at)
}

func lastSegment(v string) string {
	if i := strings.LastIndex(v, "-"); i >= 0 {
		return v[i+1:]
	}
	return v
}

// normalizeDate returns YYYY-MM-DD for the separators and compact forms
// seen in legacy projects, or the input unchanged.
func normalizeDate(v string) string {
	v = strings.TrimSpace(v)
	if m := datePattern.FindStringSubmatch(v); m != nil {
		return m[1] + "-" + m[2] + "-" + m[3]
	}
	if len(v) == 8 && allDigits.MatchString(v) {
		return v[0:4] + "-" + v[4:6] + "-" + v[6:8]
	}
	return v
}

// normalizeTime returns HH:MM.
func normalizeTime(v string) string {
	v = strings.TrimSpace(v)
	if m := timePattern.FindStringSubmatch(v); m != nil {
		return m[1] + ":" + m[2]
	}
	if allDigits.MatchString(v) {
		switch len(v) {
		case 6, 4:
			return v[0:2] + ":" + v[2:4]
		case 2:
			return v + ":00"
		}
	}
	return v
}

func value(row map[string]interface{}, key string) string {
	if row == nil {
		return ""
	}
	switch v := row[key].(type) {
	case nil:
		return ""
	case string:
		if s := strings.TrimSpace(v); s != "NaN" {
			return s
		}
		return ""
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
