// Package smtpclient implements the SMTP submission worker of
// spec.md 4.6: authenticated submission on 465 (implicit TLS) or 587
// (STARTTLS), recipient chunking, and a per-message deadline.
//
// Grounded structurally on spilled-ink-spilld/smtp/smtpclient.Client:
// the same dial/Hello/StartTLS/Mail/Rcpt/Data call sequence against
// net/smtp.Client, and the same Delivery{Code, Details, Error} result
// shape with Success/PermFailure/TempFailure predicates — generalized
// here from "MX-direct, unauthenticated, outbound relay" (the
// teacher's actual job, since spilld *is* the receiving mail server)
// to "authenticated submission against one configured provider," per
// spec.md 6. Client authenticates with PLAIN, or with OAUTHBEARER when
// an OAuth token is set; it never offers LOGIN or XOAUTH2.
package smtpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/deltachat/dc-core-go/dcerr"
	"github.com/deltachat/dc-core-go/smtpclient/sasl"
)

// DefaultChunkSize is the default number of recipients submitted in
// a single RCPT TO batch, per spec.md 4.6 ("splits recipients into
// provider-specified chunks (default 64)").
const DefaultChunkSize = 64

// Config describes one configured SMTP submission server.
type Config struct {
	Host     string
	Port     int // 465 (implicit TLS) or 587 (STARTTLS)
	Username string
	Password string // used for PLAIN (LOGIN is not implemented); ignored if OAuthToken is set
	OAuthToken string // when set, authenticate via OAUTHBEARER instead (XOAUTH2 is never offered)

	LocalHostname string
	ChunkSize     int
}

func (c Config) chunkSize() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return DefaultChunkSize
}

func (c Config) implicitTLS() bool { return c.Port == 465 }

// Delivery is the per-recipient outcome of one submission attempt.
type Delivery struct {
	Recipient string
	Code      int
	Details   string
	Err       error
}

func (d Delivery) Success() bool     { return d.Code == 250 && d.Err == nil }
func (d Delivery) PermFailure() bool { return d.Code >= 500 }
func (d Delivery) TempFailure() bool { return (d.Code >= 400 && d.Code < 500) || d.Err != nil }

// Outcome classifies a Delivery into the tri-valued scheduler result
// of spec.md 4.5/4.6.
func (d Delivery) Outcome() dcerr.Outcome {
	switch {
	case d.Success():
		return dcerr.Success
	case d.PermFailure():
		return dcerr.Failed
	case d.TempFailure():
		return dcerr.RetryLater
	default:
		return dcerr.Success
	}
}

// Client submits one account's outgoing mail to its configured
// provider.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// deadline computes the per-message timeout named in spec.md 4.6:
// "60 s + 180 s/MB".
func deadline(sizeBytes int64) time.Duration {
	mb := float64(sizeBytes) / (1 << 20)
	return 60*time.Second + time.Duration(mb*180)*time.Second
}

// Send delivers contents (a complete RFC 5322 message) from from to
// recipients, chunked per the configured ChunkSize, returning one
// Delivery per recipient in the same order as given.
func (c *Client) Send(ctx context.Context, from string, recipients []string, contents io.ReaderAt, contentSize int64) ([]Delivery, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline(contentSize))
	defer cancel()

	results := make([]Delivery, len(recipients))
	for i, r := range recipients {
		results[i].Recipient = r
	}

	chunkSize := c.cfg.chunkSize()
	for start := 0; start < len(recipients); start += chunkSize {
		end := start + chunkSize
		if end > len(recipients) {
			end = len(recipients)
		}
		r := io.NewSectionReader(contents, 0, contentSize)
		chunkResults, err := c.sendChunk(ctx, from, recipients[start:end], r)
		if err != nil {
			for i := start; i < end; i++ {
				results[i].Err = err
			}
			continue
		}
		copy(results[start:end], chunkResults)
	}
	return results, nil
}

func (c *Client) sendChunk(ctx context.Context, from string, recipients []string, r io.Reader) ([]Delivery, error) {
	results := make([]Delivery, len(recipients))
	for i, rcpt := range recipients {
		results[i].Recipient = rcpt
	}
	allErr := func(err error) ([]Delivery, error) {
		for i := range results {
			results[i].Err = err
		}
		return results, nil
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := &net.Dialer{}

	var conn net.Conn
	var err error
	if c.cfg.implicitTLS() {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: c.cfg.Host}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return allErr(&dcerr.NetworkError{Op: "dial", Err: err})
	}

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close()
		return allErr(&dcerr.NetworkError{Op: "smtp handshake", Err: err})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()
	defer close(done)

	if err := client.Hello(c.cfg.LocalHostname); err != nil {
		return allErr(&dcerr.NetworkError{Op: "HELO", Err: err})
	}

	if !c.cfg.implicitTLS() {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host}); err != nil {
				return allErr(&dcerr.NetworkError{Op: "STARTTLS", Err: err})
			}
		}
	}

	if auth, ok := c.auth(client); ok {
		if err := client.Auth(auth); err != nil {
			return allErr(&dcerr.ConfigError{Field: "smtp_password", Err: err})
		}
	}

	if err := client.Mail(from); err != nil {
		return allErr(classifySMTPErr("MAIL FROM", err))
	}

	accepted := 0
	for i, to := range recipients {
		if rcptErr := client.Rcpt(to); rcptErr != nil {
			if tperr, ok := rcptErr.(*textproto.Error); ok {
				results[i].Code = tperr.Code
				results[i].Details = tperr.Msg
				continue
			}
			return allErr(classifySMTPErr("RCPT TO", rcptErr))
		}
		accepted++
	}
	if accepted == 0 {
		return results, nil
	}

	w, err := client.Data()
	if err != nil {
		return allErr(classifySMTPErr("DATA", err))
	}
	if _, err := io.Copy(w, r); err != nil {
		return allErr(&dcerr.NetworkError{Op: "DATA body", Err: err})
	}
	if err := w.Close(); err != nil {
		return allErr(classifySMTPErr("DATA close", err))
	}
	_ = client.Quit()

	for i := range results {
		if results[i].Code == 0 && results[i].Err == nil {
			results[i].Code = 250
		}
	}
	return results, nil
}

func (c *Client) auth(client *smtp.Client) (smtp.Auth, bool) {
	if c.cfg.OAuthToken != "" {
		return sasl.OAUTHBEARER(c.cfg.Username, c.cfg.Host, c.cfg.Port, c.cfg.OAuthToken), true
	}
	if c.cfg.Password == "" {
		return nil, false
	}
	if ok, _ := client.Extension("AUTH"); !ok {
		return nil, false
	}
	return smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host), true
}

// classifySMTPErr maps a textproto error's status code onto
// NetworkError/ConfigError so dcerr.Classify routes it correctly:
// 4xx is transient (RetryLater), 5xx around auth is a config problem,
// other 5xx is a protocol-level permanent failure.
func classifySMTPErr(op string, err error) error {
	tperr, ok := err.(*textproto.Error)
	if !ok {
		return &dcerr.NetworkError{Op: op, Err: err}
	}
	switch {
	case tperr.Code >= 400 && tperr.Code < 500:
		return &dcerr.NetworkError{Op: op, Err: err}
	case tperr.Code == 535 || tperr.Code == 534:
		return &dcerr.ConfigError{Field: "smtp_auth", Err: err}
	default:
		return &dcerr.ProtocolError{Where: op, Err: err}
	}
}
