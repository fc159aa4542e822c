package authority

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const receptionOK = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <ns2:validarComprobanteResponse xmlns:ns2="http://ec.gob.sri.ws.recepcion">
      <RespuestaSolicitud>
        <estado>RECIBIDA</estado>
        <comprobantes/>
      </RespuestaSolicitud>
    </ns2:validarComprobanteResponse>
  </soap:Body>
</soap:Envelope>`

const receptionReturned = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <ns2:validarComprobanteResponse xmlns:ns2="http://ec.gob.sri.ws.recepcion">
      <RespuestaSolicitud>
        <estado>DEVUELTA</estado>
        <comprobantes>
          <comprobante>
            <claveAcceso>1503202601179316860400110010020000000421234567811</claveAcceso>
            <mensajes>
              <mensaje>
                <identificador>35</identificador>
                <mensaje>ARCHIVO NO CUMPLE ESTRUCTURA XML</mensaje>
                <tipo>ERROR</tipo>
              </mensaje>
            </mensajes>
          </comprobante>
        </comprobantes>
      </RespuestaSolicitud>
    </ns2:validarComprobanteResponse>
  </soap:Body>
</soap:Envelope>`

const authorizationOK = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <ns2:autorizacionComprobanteResponse xmlns:ns2="http://ec.gob.sri.ws.autorizacion">
      <RespuestaAutorizacionComprobante>
        <claveAccesoConsultada>1503202601179316860400110010020000000421234567811</claveAccesoConsultada>
        <autorizaciones>
          <autorizacion>
            <estado>AUTORIZADO</estado>
            <numeroAutorizacion>1503202601179316860400110010020000000421234567811</numeroAutorizacion>
            <fechaAutorizacion>2026-03-15T10:05:00-05:00</fechaAutorizacion>
            <ambiente>PRUEBAS</ambiente>
            <comprobante><![CDATA[<factura/>]]></comprobante>
            <mensajes/>
          </autorizacion>
        </autorizaciones>
      </RespuestaAutorizacionComprobante>
    </ns2:autorizacionComprobanteResponse>
  </soap:Body>
</soap:Envelope>`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{ReceptionURL: srv.URL, AuthorizationURL: srv.URL})
}

func TestSubmitReceived(t *testing.T) {
	var gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(receptionOK))
	})

	resp, req, raw, err := c.Submit(context.Background(), []byte("<factura/>"))
	require.NoError(t, err)
	require.Equal(t, ReceptionReceived, resp.State)
	require.Contains(t, req, "validarComprobante")
	require.Contains(t, raw, "RECIBIDA")
	require.Contains(t, gotBody, "PGZhY3R1cmEvPg==") // base64 of the signed XML
}

func TestSubmitReturnedCarriesMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(receptionReturned))
	})

	resp, _, _, err := c.Submit(context.Background(), []byte("<factura/>"))
	require.NoError(t, err)
	require.Equal(t, ReceptionReturned, resp.State)
	require.Len(t, resp.Documents.Document, 1)
	msgs := resp.Documents.Document[0].Messages.Message
	require.Len(t, msgs, 1)
	require.Equal(t, "35", msgs[0].Identifier)
	require.Contains(t, JoinMessages(msgs), "ARCHIVO NO CUMPLE")
}

func TestAuthorize(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(authorizationOK))
	})

	resp, req, _, err := c.Authorize(context.Background(), "1503202601179316860400110010020000000421234567811")
	require.NoError(t, err)
	require.Contains(t, req, "claveAccesoComprobante")
	require.Len(t, resp.Authorizations.Authorization, 1)
	auth := resp.Authorizations.Authorization[0]
	require.Equal(t, StatusAuthorized, auth.State)
	require.NotEmpty(t, auth.Number)
}

func TestServerErrorIsNetworkError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, _, _, err := c.Submit(context.Background(), []byte("<factura/>"))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Contains(t, netErr.Error(), "502")
}

func TestConnectionRefusedIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Config{ReceptionURL: url, AuthorizationURL: url})
	_, _, _, err := c.Authorize(context.Background(), "123")
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.False(t, c.CheckConnectivity(context.Background()))
}

func TestMalformedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("this is not xml at all {"))
	})

	_, _, _, err := c.Submit(context.Background(), []byte("<factura/>"))
	require.Error(t, err)
	var netErr *NetworkError
	require.False(t, errors.As(err, &netErr), "a parse failure is not a transport failure")
}