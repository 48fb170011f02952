package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/noticecomb/notice-comb/app/source"
)

const DefaultWeChatEndpoint = "https://mp.weixin.qq.com/cgi-bin/appmsg"

const (
	wechatRetInvalidSession = 200003
	wechatRetFrequency      = 200013
)

var ErrNoSession = errors.New("no valid wechat session")

// WeChatSession is the login state saved by the public-account setup flow.
type WeChatSession struct {
	Token      string `json:"token"`
	CookiesStr string `json:"cookies_str"`
	UserAgent  string `json:"user_agent"`
	Expiry     int64  `json:"expiry"`
}

// LoadWeChatSession reads a session file. A missing file yields a nil
// session and no error.
func LoadWeChatSession(path string) (*WeChatSession, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var sess WeChatSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return &sess, nil
}

func (s *WeChatSession) Valid(now time.Time) bool {
	if s == nil || s.Token == "" || s.CookiesStr == "" {
		return false
	}
	return s.Expiry == 0 || now.Unix() < s.Expiry
}

func newWeChatRequest(ctx context.Context, endpoint string, d *source.Descriptor, sess *WeChatSession) (*http.Request, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid wechat endpoint: %w", err)
	}

	q := url.Values{}
	q.Set("action", "list_ex")
	q.Set("begin", "0")
	q.Set("count", strconv.Itoa(d.BatchSize))
	q.Set("fakeid", d.AccountKey)
	q.Set("type", "9")
	q.Set("query", "")
	q.Set("token", sess.Token)
	q.Set("lang", "zh_CN")
	q.Set("f", "json")
	q.Set("ajax", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Cookie", sess.CookiesStr)
	req.Header.Set("Referer", "https://mp.weixin.qq.com/")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if sess.UserAgent != "" {
		req.Header.Set("User-Agent", sess.UserAgent)
	}
	return req, nil
}

// checkWeChatResponse inspects base_resp.ret. Frequency control is the only
// provider error that clears up by waiting.
func checkWeChatResponse(target string, body []byte) error {
	if !gjson.ValidBytes(body) {
		return transient(target, errors.New("response is not valid JSON"))
	}

	ret := gjson.GetBytes(body, "base_resp.ret")
	if !ret.Exists() || ret.Int() == 0 {
		return nil
	}

	msg := gjson.GetBytes(body, "base_resp.err_msg").String()
	err := fmt.Errorf("wechat ret %d: %s", ret.Int(), msg)
	switch ret.Int() {
	case wechatRetFrequency:
		return transient(target, err)
	case wechatRetInvalidSession:
		return permanent(target, fmt.Errorf("%w: %v", ErrNoSession, err))
	default:
		return permanent(target, err)
	}
}
