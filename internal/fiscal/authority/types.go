package authority

import "encoding/xml"

// Reception states returned by the validarComprobante operation.
const (
	ReceptionReceived = "RECIBIDA"
	ReceptionReturned = "DEVUELTA"
)

// Authorization states returned by the autorizacionComprobante operation.
const (
	StatusAuthorized    = "AUTORIZADO"
	StatusNotAuthorized = "NO AUTORIZADO"
)

// ReceptionResponse is the parsed body of a reception round-trip.
type ReceptionResponse struct {
	XMLName   xml.Name `xml:"RespuestaSolicitud"`
	State     string   `xml:"estado"`
	Documents struct {
		Document []ReceivedDocument `xml:"comprobante"`
	} `xml:"comprobantes"`
}

// ReceivedDocument carries per-document reception messages.
type ReceivedDocument struct {
	AccessKey string `xml:"claveAcceso"`
	Messages  struct {
		Message []Message `xml:"mensaje"`
	} `xml:"mensajes"`
}

// Message is one diagnostic entry attached by the authority.
type Message struct {
	Identifier     string `xml:"identificador"`
	Text           string `xml:"mensaje"`
	AdditionalInfo string `xml:"informacionAdicional"`
	Kind           string `xml:"tipo"` // ERROR, ADVERTENCIA
}

// AuthorizationResponse is the parsed body of an authorization query.
type AuthorizationResponse struct {
	XMLName        xml.Name `xml:"RespuestaAutorizacionComprobante"`
	Authorizations struct {
		Authorization []Authorization `xml:"autorizacion"`
	} `xml:"autorizaciones"`
}

// Authorization is the authority's verdict for one access key.
type Authorization struct {
	State        string `xml:"estado"`
	Number       string `xml:"numeroAutorizacion"`
	AuthorizedAt string `xml:"fechaAutorizacion"`
	Environment  string `xml:"ambiente"`
	Document     string `xml:"comprobante"` // CDATA copy of the submitted XML
	Messages     struct {
		Message []Message `xml:"mensaje"`
	} `xml:"mensajes"`
}

// JoinMessages flattens authority messages into one operator-readable line.
func JoinMessages(msgs []Message) string {
	out := ""
	for _, m := range msgs {
		if out != "" {
			out += "; "
		}
		out += m.Identifier + ": " + m.Text
		if m.AdditionalInfo != "" {
			out += " (" + m.AdditionalInfo + ")"
		}
	}
	return out
}
