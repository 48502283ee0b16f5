package proxypool

import (
	"context"
	"fmt"
	"time"

	"cardwatch-backend/lib/telemetry"

	"github.com/go-resty/resty/v2"
)

// Mihomo talks to a mihomo/clash control plane. The egress proxy itself
// stays at a fixed local port; selecting a route is a control-plane
// operation, so a running request never needs per-request proxy wiring.
type Mihomo struct {
	group string
	http  *resty.Client
}

type MihomoOptions struct {
	// base URL of the control API, e.g. http://127.0.0.1:9090
	APIURL string
	// bearer secret, may be empty
	Secret string
	// selector group whose active proxy is switched, e.g. "auto-switch"
	Group string
}

func NewMihomo(opts MihomoOptions) *Mihomo {
	client := resty.New()
	client.SetBaseURL(opts.APIURL)
	client.SetTimeout(time.Second * 10)
	if opts.Secret != "" {
		client.SetAuthToken(opts.Secret)
	}
	telemetry.InstrumentResty(client, "proxypool/mihomo")

	group := opts.Group
	if group == "" {
		group = "auto-switch"
	}
	return &Mihomo{group: group, http: client}
}

type proxyInfo struct {
	Name string   `json:"name"`
	Now  string   `json:"now"`
	All  []string `json:"all"`
}

// Routes lists the candidate proxies within the selector group.
func (m *Mihomo) Routes(ctx context.Context) ([]string, error) {
	var info proxyInfo
	res, err := m.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get(fmt.Sprintf("/proxies/%s", m.group))
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("list routes: control plane returned %d", res.StatusCode())
	}
	return info.All, nil
}

// Active reports the currently selected proxy of the group.
func (m *Mihomo) Active(ctx context.Context) (string, error) {
	var info proxyInfo
	res, err := m.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get(fmt.Sprintf("/proxies/%s", m.group))
	if err != nil {
		return "", err
	}
	if res.IsError() {
		return "", fmt.Errorf("active route: control plane returned %d", res.StatusCode())
	}
	return info.Now, nil
}

// Switch selects a proxy by name within the group.
func (m *Mihomo) Switch(ctx context.Context, name string) error {
	res, err := m.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"name": name}).
		Put(fmt.Sprintf("/proxies/%s", m.group))
	if err != nil {
		return err
	}
	if res.IsError() {
		return fmt.Errorf("switch to %q: control plane returned %d", name, res.StatusCode())
	}
	return nil
}

// ProbeRoute runs the control plane's delay test for one proxy. The
// probe travels through the candidate route itself, so a passing result
// means the route can reach the target.
func (m *Mihomo) ProbeRoute(ctx context.Context, name string, target string) bool {
	res, err := m.http.R().
		SetContext(ctx).
		SetQueryParam("url", target).
		SetQueryParam("timeout", "5000").
		Get(fmt.Sprintf("/proxies/%s/delay", name))
	if err != nil {
		return false
	}
	return res.IsSuccess()
}

// ProbeDirect issues a plain GET against the target without any proxy.
func (m *Mihomo) ProbeDirect(ctx context.Context, target string) bool {
	client := resty.New()
	client.SetTimeout(time.Second * 5)
	res, err := client.R().SetContext(ctx).Get(target)
	if err != nil {
		return false
	}
	return res.IsSuccess()
}
