package delivery

import (
	"fmt"
	"strings"

	"mailroom/internal/types"
)

// SafeguardMode controls what happens to outbound mail before it reaches the
// provider. Non-production environments run with a safeguard enabled so real
// customer addresses are never contacted from test data.
type SafeguardMode string

const (
	// SafeguardOff sends to the requested recipient unchanged.
	SafeguardOff SafeguardMode = "off"

	// SafeguardLogOnly suppresses the provider call entirely; the send is
	// recorded and logged as simulated.
	SafeguardLogOnly SafeguardMode = "log_only"

	// SafeguardAllowlist sends normally to recipients whose domain is on the
	// allowlist and redirects everything else to the safe address.
	SafeguardAllowlist SafeguardMode = "allowlist"

	// SafeguardRedirect redirects every message to the safe address.
	SafeguardRedirect SafeguardMode = "redirect"
)

// Routing is the safeguard's decision for one message: where it actually
// goes, and whether it was simulated or diverted.
type Routing struct {
	Recipient string
	Subject   string

	// Simulated means no provider call should be made.
	Simulated bool

	// Redirected means Recipient is the safe address, not the requested one.
	Redirected        bool
	OriginalRecipient string
}

// Safeguard applies the environment-level send policy. It is immutable after
// construction and safe for concurrent use.
type Safeguard struct {
	mode     SafeguardMode
	domains  map[string]struct{}
	redirect string
	logger   types.Logger
}

// NewSafeguard builds a Safeguard. Domains are matched case-insensitively;
// the loader validates that modes requiring a redirect address have one.
func NewSafeguard(mode SafeguardMode, allowedDomains []string, redirectAddress string, logger types.Logger) *Safeguard {
	domains := make(map[string]struct{}, len(allowedDomains))
	for _, d := range allowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains[d] = struct{}{}
		}
	}
	return &Safeguard{
		mode:     mode,
		domains:  domains,
		redirect: redirectAddress,
		logger:   logger,
	}
}

// Apply routes one message according to the safeguard mode. Redirected
// messages get the original recipient prefixed into the subject so the
// diverted copy is self-describing.
func (s *Safeguard) Apply(recipient, subject string) Routing {
	switch s.mode {
	case SafeguardLogOnly:
		s.logger.Info("send simulated by safeguard", "recipient", recipient, "subject", subject)
		return Routing{Recipient: recipient, Subject: subject, Simulated: true}

	case SafeguardAllowlist:
		if s.domainAllowed(recipient) {
			return Routing{Recipient: recipient, Subject: subject}
		}
		return s.divert(recipient, subject)

	case SafeguardRedirect:
		return s.divert(recipient, subject)

	default:
		return Routing{Recipient: recipient, Subject: subject}
	}
}

func (s *Safeguard) divert(recipient, subject string) Routing {
	s.logger.Info("send redirected by safeguard", "recipient", recipient, "redirect", s.redirect)
	return Routing{
		Recipient:         s.redirect,
		Subject:           fmt.Sprintf("[to:%s] %s", recipient, subject),
		Redirected:        true,
		OriginalRecipient: recipient,
	}
}

func (s *Safeguard) domainAllowed(recipient string) bool {
	at := strings.LastIndex(recipient, "@")
	if at < 0 {
		return false
	}
	_, ok := s.domains[strings.ToLower(recipient[at+1:])]
	return ok
}
