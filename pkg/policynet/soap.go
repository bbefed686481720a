package policynet

import "encoding/xml"

// SOAP 1.1 envelope types for the PolicyNet endpoint. Requests are built
// with explicit prefixes; responses are decoded namespace-agnostically
// via element paths.

const soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"

type requestEnvelope struct {
	XMLName xml.Name    `xml:"soapenv:Envelope"`
	NS      string      `xml:"xmlns:soapenv,attr"`
	Header  *soapHeader `xml:"soapenv:Header,omitempty"`
	Body    requestBody `xml:"soapenv:Body"`
}

type soapHeader struct {
	SessionToken string `xml:"SessionToken,omitempty"`
}

type requestBody struct {
	Payload any
}

type loginRequest struct {
	XMLName  xml.Name `xml:"Login"`
	Username string   `xml:"username"`
	Password string   `xml:"password"`
}

type createPolicyRequest struct {
	XMLName     xml.Name `xml:"CreatePolicy"`
	PolicyName  string   `xml:"policyName"`
	Site        string   `xml:"site"`
	Meters      []string `xml:"meterSerialNumber"`
	SwitchState string   `xml:"switchState"`
	StartTime   string   `xml:"startTime"`
	EndTime     string   `xml:"endTime"`
	// ReplacesPolicyID, when non-zero, tells the head-end this policy
	// supersedes an existing one on the same meter.
	ReplacesPolicyID int64 `xml:"replacesPolicyId,omitempty"`
}

type policyActionRequest struct {
	XMLName  xml.Name
	PolicyID int64 `xml:"policyId"`
}

type responseEnvelope struct {
	XMLName xml.Name     `xml:"Envelope"`
	Body    responseBody `xml:"Body"`
}

type responseBody struct {
	Fault    *soapFault      `xml:"Fault"`
	Login    *loginResponse  `xml:"LoginResponse"`
	Policy   *policyResponse `xml:"CreatePolicyResponse"`
	Deploy   *policyResponse `xml:"DeployPolicyResponse"`
	Undeploy *policyResponse `xml:"UndeployPolicyResponse"`
	Delete   *policyResponse `xml:"DeletePolicyResponse"`
	Get      *policyResponse `xml:"GetPolicyResponse"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

type loginResponse struct {
	SessionToken string `xml:"sessionToken"`
}

type policyResponse struct {
	StatusCode int    `xml:"statusCode"`
	Message    string `xml:"message"`
	PolicyID   int64  `xml:"policyId"`
}

// toCallResult maps a head-end response onto the provider result type.
func (r *policyResponse) toCallResult() *CallResult {
	return &CallResult{
		Message:    r.Message,
		PolicyID:   r.PolicyID,
		StatusCode: r.StatusCode,
	}
}
