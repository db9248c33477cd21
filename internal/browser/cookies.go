package browser

import (
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

func fromNetworkCookies(src []*network.Cookie) []harvest.Cookie {
	out := make([]harvest.Cookie, 0, len(src))
	for _, c := range src {
		if c == nil {
			continue
		}
		cookie := harvest.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		// Session cookies report -1.
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			cookie.Expires = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
		out = append(out, cookie)
	}
	return out
}

func toSetCookieParams(cookies []harvest.Cookie) []*network.SetCookieParams {
	out := make([]*network.SetCookieParams, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		p := network.SetCookie(c.Name, c.Value).
			WithDomain(c.Domain).
			WithPath(c.Path).
			WithSecure(c.Secure).
			WithHTTPOnly(c.HTTPOnly)
		if !c.Expires.IsZero() {
			ts := cdp.TimeSinceEpoch(c.Expires)
			p = p.WithExpires(&ts)
		}
		out = append(out, p)
	}
	return out
}
