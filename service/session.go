package service

// SessionTokenProvider decides whether a session token belongs to an
// authenticated session.
type SessionTokenProvider interface {
	IsValid(sessionToken string) bool
	// IsInstanceAdminOrSystem tokens may act on transactions owned by other sessions.
	IsInstanceAdminOrSystem(sessionToken string) bool
}

type StaticSessionTokenProvider struct {
	tokens map[string]struct{}
	admins map[string]struct{}
}

// NewStaticSessionTokenProvider accepts the listed tokens. With no tokens
// listed, any non-empty token is valid.
func NewStaticSessionTokenProvider(tokens []string, adminTokens []string) *StaticSessionTokenProvider {
	p := &StaticSessionTokenProvider{
		tokens: make(map[string]struct{}),
		admins: make(map[string]struct{}),
	}

	for _, t := range tokens {
		p.tokens[t] = struct{}{}
	}

	for _, t := range adminTokens {
		p.admins[t] = struct{}{}
	}

	return p
}

func (p *StaticSessionTokenProvider) IsValid(sessionToken string) bool {
	if sessionToken == "" {
		return false
	}

	if _, ok := p.admins[sessionToken]; ok {
		return true
	}

	if len(p.tokens) == 0 {
		return true
	}

	_, ok := p.tokens[sessionToken]
	return ok
}

func (p *StaticSessionTokenProvider) IsInstanceAdminOrSystem(sessionToken string) bool {
	_, ok := p.admins[sessionToken]
	return ok
}
