package httpjson

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/worklist/pkg/common/httpclient"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"github.com/synaptica-ai/worklist/pkg/sources"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	Type = "httpjson"

	defaultTimeout = 30 * time.Second
	fetchAttempts  = 3
)

// Plugin reads bookings from a JSON calendar endpoint that accepts the
// window as two query parameters.
type Plugin struct {
	name   string
	base   *http.Client
	client *http.Client
	log    *logrus.Entry
	getenv func(string) string

	endpoint    *url.URL
	recordsPath []string
	startParam  string
	endParam    string
	timeLayout  string
	query       map[string]string
	timeout     time.Duration
	loc         *time.Location
	oauth       *clientcredentials.Config
}

func New(cfg models.SourceConfig, deps sources.Deps) (sources.Plugin, error) {
	client := deps.HTTPClient
	if client == nil {
		client = httpclient.New(defaultTimeout)
	}
	return &Plugin{
		name:   cfg.Name,
		base:   client,
		client: client,
		log:    deps.Logger.WithField("plugin", Type),
		getenv: deps.Getenv,
	}, nil
}

func (p *Plugin) SourceName() string {
	return p.name
}

func (p *Plugin) Validate(cfg models.SourceConfig) error {
	settings := sources.NewSettings(cfg.Name, cfg.Config)
	var err error

	if p.endpoint, err = settings.URL("url"); err != nil {
		return err
	}
	path, err := settings.String("records_path", "")
	if err != nil {
		return err
	}
	p.recordsPath = nil
	if path != "" {
		p.recordsPath = strings.Split(path, ".")
	}
	if p.startParam, err = settings.String("start_param", "start"); err != nil {
		return err
	}
	if p.endParam, err = settings.String("end_param", "end"); err != nil {
		return err
	}
	if p.timeLayout, err = settings.String("time_layout", time.RFC3339); err != nil {
		return err
	}
	if p.timeout, err = settings.Duration("request_timeout", defaultTimeout); err != nil {
		return err
	}

	p.query = map[string]string{}
	if extra, ok := settings.Map("query"); ok {
		for k, v := range extra {
			p.query[k] = fmt.Sprint(v)
		}
	}

	if p.loc, err = time.LoadLocation(cfg.TimezoneName()); err != nil {
		return &sources.ConfigError{Source: cfg.Name, Key: "timezone", Reason: "invalid IANA zone", Err: err}
	}
	return p.configureOAuth(settings)
}

// configureOAuth wraps the base client with a client-credentials token
// source when token_url is set.
func (p *Plugin) configureOAuth(settings sources.Settings) error {
	tokenURL, err := settings.String("token_url", "")
	if err != nil || tokenURL == "" {
		p.oauth, p.client = nil, p.base
		return err
	}
	if _, err := settings.URL("token_url"); err != nil {
		return err
	}
	clientID, err := settings.Secret("client_id_env", "HTTPJSON_CLIENT_ID", p.getenv)
	if err != nil {
		return err
	}
	secret, err := settings.Secret("client_secret_env", "HTTPJSON_CLIENT_SECRET", p.getenv)
	if err != nil {
		return err
	}
	scopes, err := settings.StringSlice("scopes")
	if err != nil {
		return err
	}

	p.oauth = &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, p.base)
	p.client = p.oauth.Client(ctx)
	return nil
}

func (p *Plugin) Fetch(ctx context.Context, window models.SyncWindow) ([]models.RawRecord, error) {
	u := *p.endpoint
	q := u.Query()
	for k, v := range p.query {
		q.Set(k, v)
	}
	q.Set(p.startParam, p.formatTime(window.Start))
	q.Set(p.endParam, p.formatTime(window.End))
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var body interface{}
	err := httpclient.DoJSON(ctx, p.client, fetchAttempts, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}, &body)
	if err != nil {
		return nil, &sources.FetchError{Source: p.name, Op: "get records", Err: err}
	}

	items, err := recordsAt(body, p.recordsPath)
	if err != nil {
		return nil, &sources.FetchError{Source: p.name, Op: "decode records", Err: err}
	}
	records := make([]models.RawRecord, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			p.log.WithField("index", i).Warn("Ignoring non-object record")
			continue
		}
		records = append(records, models.RawRecord(obj))
	}
	return records, nil
}

func (p *Plugin) formatTime(t time.Time) string {
	switch p.timeLayout {
	case "unix":
		return strconv.FormatInt(t.Unix(), 10)
	case "unix_ms":
		return strconv.FormatInt(t.UnixMilli(), 10)
	}
	return t.In(p.loc).Format(p.timeLayout)
}

func recordsAt(body interface{}, path []string) ([]interface{}, error) {
	cur := body
	for _, key := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("records_path: %q is not inside an object", key)
		}
		cur = obj[key]
	}
	switch v := cur.(type) {
	case []interface{}:
		return v, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("records_path: expected an array, got %T", cur)
}
