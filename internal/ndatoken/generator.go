// Package ndatoken obtains temporary AWS credentials from the NDA data
// manager service. NDA-hosted submission objects in S3 are only readable
// with these short-lived keys.
package ndatoken

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/bsmn/ndasynapse/internal/httpx"
	"github.com/bsmn/ndasynapse/pkg/errors"
)

// Token holds a set of temporary AWS credentials issued by NDA
type Token struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
	Expiration   time.Time
}

// Env renders the token as shell export lines
func (t *Token) Env() string {
	var b strings.Builder
	fmt.Fprintf(&b, "export AWS_ACCESS_KEY_ID=%s\n", t.AccessKey)
	fmt.Fprintf(&b, "export AWS_SECRET_ACCESS_KEY=%s\n", t.SecretKey)
	fmt.Fprintf(&b, "export AWS_SESSION_TOKEN=%s\n", t.SessionToken)
	return b.String()
}

// Generator requests tokens from the NDA token service
type Generator struct {
	url    string
	client *retryablehttp.Client
	logger *logrus.Logger
}

// NewGenerator creates a token generator for the given service URL
func NewGenerator(url string, client *retryablehttp.Client, logger *logrus.Logger) (*Generator, error) {
	if url == "" {
		return nil, errors.New("token service URL cannot be empty")
	}
	if client == nil {
		return nil, errors.New("http client cannot be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Generator{url: url, client: client, logger: logger}, nil
}

// Generate exchanges NDA credentials for temporary AWS credentials
func (g *Generator) Generate(ctx context.Context, username, password string) (*Token, error) {
	if username == "" || password == "" {
		return nil, errors.NewTokenError("username and password are required", nil)
	}

	g.logger.WithField("username", username).Debug("Requesting NDA token")

	body := buildRequest(username, hashPassword(password))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewTokenError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.NewTokenError("request failed", err)
	}
	defer httpx.Drain(resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.NewTokenError("failed to read response", err)
	}

	fields, err := parseResponse(data)
	if err != nil {
		return nil, errors.NewTokenError(fmt.Sprintf("unparseable response (status %d)", resp.StatusCode), err)
	}
	if msg := fields["faultstring"]; msg != "" {
		return nil, errors.NewTokenError(msg, nil)
	}
	if msg := fields["errorMessage"]; msg != "" {
		return nil, errors.NewTokenError(msg, nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewTokenError(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	token := &Token{
		AccessKey:    fields["accessKey"],
		SecretKey:    fields["secretKey"],
		SessionToken: fields["sessionToken"],
	}
	if token.AccessKey == "" || token.SecretKey == "" || token.SessionToken == "" {
		return nil, errors.NewTokenError("response is missing credentials", nil)
	}
	if raw := fields["expirationDate"]; raw != "" {
		exp, err := parseExpiration(raw)
		if err != nil {
			return nil, errors.NewTokenError("invalid expiration date", err)
		}
		token.Expiration = exp
	}

	g.logger.WithFields(logrus.Fields{
		"username":   username,
		"expiration": token.Expiration.Format(time.RFC3339),
	}).Info("Obtained NDA token")

	return token, nil
}

func hashPassword(password string) string {
	sum := sha1.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

const requestTemplate = `<?xml version="1.0" ?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:data="http://gov/nih/ndar/ws/datamanager/server/bean/jaxb/data">
<soapenv:Header/>
<soapenv:Body>
<data:UserElement>
<user>
<id>0</id>
<name>%s</name>
<password>%s</password>
<threshold>0</threshold>
</user>
</data:UserElement>
</soapenv:Body>
</soapenv:Envelope>`

func buildRequest(username, passwordHash string) []byte {
	return []byte(fmt.Sprintf(requestTemplate, escape(username), escape(passwordHash)))
}

func escape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

var responseFields = map[string]bool{
	"accessKey":      true,
	"secretKey":      true,
	"sessionToken":   true,
	"expirationDate": true,
	"errorMessage":   true,
	"faultstring":    true,
}

// parseResponse collects the text of known elements by local name; the
// service has used several namespace prefixes over time
func parseResponse(data []byte) (map[string]string, error) {
	fields := make(map[string]string)
	dec := xml.NewDecoder(bytes.NewReader(data))

	var current string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if responseFields[el.Name.Local] {
				current = el.Name.Local
			} else {
				current = ""
			}
		case xml.CharData:
			if current != "" {
				fields[current] += string(el)
			}
		case xml.EndElement:
			if current != "" {
				fields[current] = strings.TrimSpace(fields[current])
			}
			current = ""
		}
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("no token fields in response")
	}
	return fields, nil
}

var expirationLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
}

func parseExpiration(raw string) (time.Time, error) {
	for _, layout := range expirationLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time format: %q", raw)
}
