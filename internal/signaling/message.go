package signaling

import (
	"fmt"
	"strconv"

	"github.com/BioHazard786/huddle/internal/sip"
)

const (
	maxForwards = "70"
	allowed     = "INVITE, ACK, CANCEL, BYE, OPTIONS, MESSAGE, INFO"
)

// request builds a request with the headers every request from this agent
// carries.
func (c *Client) request(method string, target sip.URI, from, to sip.Address, callID string, cseq uint32, routes []string) *sip.Message {
	m := sip.NewRequest(method, target.String())
	m.Add("Via", c.via(sip.NewBranch()))
	m.Add("Max-Forwards", maxForwards)
	for _, r := range routes {
		m.Add("Route", r)
	}
	m.Add("From", from.String())
	m.Add("To", to.String())
	m.Add("Call-ID", callID)
	m.Add("CSeq", fmt.Sprintf("%d %s", cseq, method))
	if method != sip.ACK && method != sip.CANCEL {
		m.Add("Contact", c.contact)
		m.Add("User-Agent", c.cfg.UserAgent)
	}
	if method == sip.INVITE {
		m.Add("Allow", allowed)
	}
	return m
}

func (c *Client) via(branch string) string {
	return fmt.Sprintf("SIP/2.0/WSS %s;branch=%s", c.viaHost, branch)
}

// respond answers req. toTag is added to To when the request had none.
func (c *Client) respond(req *sip.Message, code int, toTag string, build func(*sip.Message)) {
	res := sip.NewResponse(req, code, "", toTag)
	if code >= 200 && code < 300 && req.Method == sip.INVITE {
		res.Add("Contact", c.contact)
	}
	if code == 405 || req.Method == sip.OPTIONS {
		res.Add("Allow", allowed)
	}
	res.Add("User-Agent", c.cfg.UserAgent)
	if build != nil {
		build(res)
	}
	if err := c.send(res); err != nil {
		status := strconv.Itoa(code)
		logSendError(err, "response "+status)
	}
}
