package dlna

import (
	"encoding/xml"
	"fmt"
	"html"
	"net/http"
	"strings"
)

// UPnP error codes used by the SOAP faults this service returns.
const (
	upnpErrorInvalidAction = 401
	upnpErrorInvalidArgs   = 402
	upnpErrorActionFailed  = 501
)

// soapEnvelope unwraps only as far as the raw action body; the specific
// action element is decoded separately once the action name is known
// from the SOAPACTION header.
type soapEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

// soapActionName extracts the bare action name from a SOAPACTION header
// of the form `"urn:schemas-upnp-org:service:AVTransport:1#Play"`.
func soapActionName(header string) string {
	h := strings.Trim(header, `"`)
	if i := strings.LastIndex(h, "#"); i >= 0 {
		return h[i+1:]
	}
	return h
}

// decodeSOAPAction parses r's body as a SOAP envelope and unmarshals the
// single action element it contains into dst.
func decodeSOAPAction(r *http.Request, dst any) error {
	var env soapEnvelope
	if err := xml.NewDecoder(r.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode soap envelope: %w", err)
	}
	if err := xml.Unmarshal(env.Body.Inner, dst); err != nil {
		return fmt.Errorf("decode soap action: %w", err)
	}
	return nil
}

// writeSOAPResponse writes a successful SOAP response for action,
// scoped to serviceType, with fields written in order as sibling
// elements of the <u:ActionResponse> body.
func writeSOAPResponse(w http.ResponseWriter, serviceType, action string, fields [][2]string) {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0"?>`)
	sb.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>`)
	fmt.Fprintf(&sb, `<u:%sResponse xmlns:u=%q>`, action, serviceType)
	for _, f := range fields {
		fmt.Fprintf(&sb, `<%s>%s</%s>`, f[0], html.EscapeString(f[1]), f[0])
	}
	fmt.Fprintf(&sb, `</u:%sResponse>`, action)
	sb.WriteString(`</s:Body></s:Envelope>`)

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// writeSOAPFault returns a UPnP-flavored SOAP fault. A malformed command
// always faults without producing any state change.
func writeSOAPFault(w http.ResponseWriter, upnpErrorCode int, desc string) {
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body><s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>%d</errorCode><errorDescription>%s</errorDescription></UPnPError></detail></s:Fault></s:Body></s:Envelope>`,
		upnpErrorCode, html.EscapeString(desc))
}
