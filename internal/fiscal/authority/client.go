// Package authority talks to the tax authority's SOAP endpoints: document
// reception and authorization queries.
package authority

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NetworkError marks transient transport failures (timeouts, refused
// connections, 5xx). Callers retry these under the submission backoff policy;
// everything else is a definitive answer from the authority.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("authority: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Config selects the authority endpoints and the per-call timeout.
type Config struct {
	ReceptionURL     string
	AuthorizationURL string
	Timeout          time.Duration
}

// Client performs the SOAP round-trips.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a Client. A zero timeout defaults to 30 seconds.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type receptionEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		ValidateResponse struct {
			Response ReceptionResponse `xml:"RespuestaSolicitud"`
		} `xml:"validarComprobanteResponse"`
	} `xml:"Body"`
}

type authorizationEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		AuthorizationResponse struct {
			Response AuthorizationResponse `xml:"RespuestaAutorizacionComprobante"`
		} `xml:"autorizacionComprobanteResponse"`
	} `xml:"Body"`
}

// Submit sends a signed document to the reception endpoint. It returns the
// parsed response together with the raw request/response bytes so the caller
// can record the round-trip verbatim in the sync log.
func (c *Client) Submit(ctx context.Context, signedXML []byte) (*ReceptionResponse, string, string, error) {
	payload := base64.StdEncoding.EncodeToString(signedXML)
	envelope := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ecua="http://ec.gob.sri.ws.recepcion">
   <soapenv:Header/>
   <soapenv:Body>
      <ecua:validarComprobante>
         <xml>%s</xml>
      </ecua:validarComprobante>
   </soapenv:Body>
</soapenv:Envelope>`, payload)

	raw, err := c.post(ctx, "submit", c.cfg.ReceptionURL, envelope)
	if err != nil {
		return nil, envelope, "", err
	}

	var parsed receptionEnvelope
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return nil, envelope, string(raw), fmt.Errorf("authority: parse reception response: %w", err)
	}
	return &parsed.Body.ValidateResponse.Response, envelope, string(raw), nil
}

// Authorize queries the final verdict for an access key.
func (c *Client) Authorize(ctx context.Context, accessKey string) (*AuthorizationResponse, string, string, error) {
	envelope := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ecua="http://ec.gob.sri.ws.autorizacion">
   <soapenv:Header/>
   <soapenv:Body>
      <ecua:autorizacionComprobante>
         <claveAccesoComprobante>%s</claveAccesoComprobante>
      </ecua:autorizacionComprobante>
   </soapenv:Body>
</soapenv:Envelope>`, accessKey)

	raw, err := c.post(ctx, "authorize", c.cfg.AuthorizationURL, envelope)
	if err != nil {
		return nil, envelope, "", err
	}

	var parsed authorizationEnvelope
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return nil, envelope, string(raw), fmt.Errorf("authority: parse authorization response: %w", err)
	}
	return &parsed.Body.AuthorizationResponse.Response, envelope, string(raw), nil
}

// CheckConnectivity reports whether the reception endpoint answers at all.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ReceptionURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

func (c *Client) post(ctx context.Context, op, url, body string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml;charset=UTF-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("server error %d", resp.StatusCode)}
	}

	return io.ReadAll(resp.Body)
}
