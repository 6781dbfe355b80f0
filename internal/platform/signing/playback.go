// Package signing issues short-lived HMAC grants for playback resources.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Signer struct {
	Secret []byte
}

// Grant authorizes one viewer to fetch one resource at one quality until Exp.
type Grant struct {
	Resource string
	ViewerID string
	Quality  string
	Exp      int64
	Sig      string
}

func New(secret string) *Signer {
	return &Signer{Secret: []byte(secret)}
}

func (s *Signer) Sign(resource, viewerID, quality string, exp time.Time) Grant {
	g := Grant{Resource: resource, ViewerID: viewerID, Quality: quality, Exp: exp.Unix()}
	g.Sig = s.signValue(g)
	return g
}

func (s *Signer) Verify(g Grant) bool {
	if time.Now().Unix() > g.Exp {
		return false
	}
	return hmac.Equal([]byte(g.Sig), []byte(s.signValue(g)))
}

func (s *Signer) signValue(g Grant) string {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(g.Resource))
	mac.Write([]byte("|"))
	mac.Write([]byte(g.ViewerID))
	mac.Write([]byte("|"))
	mac.Write([]byte(g.Quality))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(g.Exp, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// BuildURL encodes g as query parameters on base.
func BuildURL(base string, g Grant) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("res", g.Resource)
	q.Set("uid", g.ViewerID)
	q.Set("q", g.Quality)
	q.Set("exp", strconv.FormatInt(g.Exp, 10))
	q.Set("sig", g.Sig)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseGrant is the inverse of BuildURL. Quality may be empty.
func ParseGrant(query url.Values) (Grant, error) {
	g := Grant{
		Resource: strings.TrimSpace(query.Get("res")),
		ViewerID: strings.TrimSpace(query.Get("uid")),
		Quality:  strings.TrimSpace(query.Get("q")),
		Sig:      strings.TrimSpace(query.Get("sig")),
	}
	expStr := strings.TrimSpace(query.Get("exp"))
	if g.Resource == "" || g.ViewerID == "" || expStr == "" || g.Sig == "" {
		return Grant{}, fmt.Errorf("missing signed params")
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return Grant{}, err
	}
	g.Exp = exp
	return g, nil
}
