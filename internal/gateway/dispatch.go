package gateway

import (
	"strconv"
	"strings"

	"github.com/lobbyserv/gateway/internal/metrics"
)

// notFoundReply is the exact upstream response for a GETACCOUNTACCESS lookup
// of an unknown account.
func notFoundReply(user string) string {
	return "User <" + user + "> not found!"
}

// processCommand validates and routes one downstream line. It returns true
// when the command terminated the session, so the read loop can stop without
// touching the closed connection again.
//
// The protocol has no error-frame concept: malformed input and unauthorized
// use are dropped silently, never answered.
func (s *Session) processCommand(line string) (killed bool) {
	clean := strings.TrimSpace(line)
	if clean == "" {
		return false
	}

	s.log.Debug().Str("line", clean).Msg("command received")

	params := strings.Split(clean, " ")
	cmd := strings.ToUpper(params[0])

	switch cmd {
	case "IDENTIFY":
		return s.cmdIdentify(params)
	case "TESTLOGIN":
		return s.cmdTestLogin(params)
	case "GETACCESS":
		return s.cmdGetAccess(params)
	case "GENERATEUSERID":
		return s.cmdGenerateUserID(params)
	case "ISONLINE":
		return s.cmdIsOnline(params)
	case "QUERYSERVER":
		return s.cmdQueryServer(params)
	default:
		// unknown command, ignored
		return false
	}
}

// malformed logs and drops a command with wrong arity.
func (s *Session) malformed(cmd string, params []string) bool {
	s.log.Debug().Str("command", cmd).Int("arity", len(params)).Msg("malformed command dropped")
	metrics.CommandsTotal.WithLabelValues(cmd, "malformed").Inc()
	return false
}

// denied silently drops a privileged command from an unidentified client.
func (s *Session) denied(cmd string) bool {
	metrics.CommandsTotal.WithLabelValues(cmd, "denied").Inc()
	return false
}

func (s *Session) cmdIdentify(params []string) bool {
	if len(params) != 2 {
		return s.malformed("IDENTIFY", params)
	}
	if !s.upstream.IsConnected() {
		s.sendLine("FAILED")
		return false
	}
	if s.registry.HasToken(params[1]) {
		s.authenticated = true
		metrics.CommandsTotal.WithLabelValues("IDENTIFY", "ok").Inc()
		s.log.Info().Msg("client identified")
		s.sendLine("PROCEED")
		return false
	}
	metrics.CommandsTotal.WithLabelValues("IDENTIFY", "denied").Inc()
	s.sendLine("FAILED")
	return false
}

func (s *Session) cmdTestLogin(params []string) bool {
	if !s.authenticated {
		return s.denied("TESTLOGIN")
	}
	if len(params) != 3 {
		return s.malformed("TESTLOGIN", params)
	}
	if !s.upstream.IsConnected() {
		s.sendLine("LOGINBAD")
		return false
	}

	s.queryUpstream("TESTLOGIN " + params[1] + " " + params[2])
	reply, ok := s.awaitReply()
	if !ok {
		return true
	}

	metrics.CommandsTotal.WithLabelValues("TESTLOGIN", "ok").Inc()
	if strings.EqualFold(reply, "TESTLOGINACCEPT") {
		s.sendLine("LOGINOK")
	} else {
		s.sendLine("LOGINBAD")
	}
	return false
}

func (s *Session) cmdGetAccess(params []string) bool {
	if !s.authenticated {
		return s.denied("GETACCESS")
	}
	if len(params) != 2 {
		return s.malformed("GETACCESS", params)
	}
	if !s.upstream.IsConnected() {
		s.Kill()
		return true
	}

	s.queryUpstream("GETACCOUNTACCESS " + params[1])
	reply, ok := s.awaitReply()
	if !ok {
		return true
	}

	if reply == notFoundReply(params[1]) {
		metrics.CommandsTotal.WithLabelValues("GETACCESS", "ok").Inc()
		s.sendLine("0")
		return false
	}

	fields := strings.Split(reply, " ")
	access, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		// The trusted upstream answered something unparseable: the session
		// is desynchronized and cannot safely continue.
		s.log.Warn().Str("reply", reply).Msg("unparseable access reply, terminating session")
		metrics.CommandsTotal.WithLabelValues("GETACCESS", "killed").Inc()
		s.Kill()
		return true
	}

	metrics.CommandsTotal.WithLabelValues("GETACCESS", "ok").Inc()
	s.sendLine(strconv.Itoa(access & 0x7))
	return false
}

func (s *Session) cmdGenerateUserID(params []string) bool {
	if !s.authenticated {
		return s.denied("GENERATEUSERID")
	}
	if len(params) != 2 {
		return s.malformed("GENERATEUSERID", params)
	}
	if !s.upstream.IsConnected() {
		s.Kill()
		return true
	}

	// Fire and forget; the upstream reply to FORGEMSG is not awaited.
	s.queryUpstream("FORGEMSG " + params[1] + " ACQUIREUSERID")
	metrics.CommandsTotal.WithLabelValues("GENERATEUSERID", "ok").Inc()
	s.sendLine("OK")
	return false
}

func (s *Session) cmdIsOnline(params []string) bool {
	if !s.authenticated {
		return s.denied("ISONLINE")
	}
	if len(params) != 2 {
		return s.malformed("ISONLINE", params)
	}
	if !s.upstream.IsConnected() {
		s.Kill()
		return true
	}

	metrics.CommandsTotal.WithLabelValues("ISONLINE", "ok").Inc()
	if s.registry.Online(params[1]) {
		s.sendLine("OK")
	} else {
		s.sendLine("NOTOK")
	}
	return false
}

func (s *Session) cmdQueryServer(params []string) bool {
	if !s.authenticated {
		return s.denied("QUERYSERVER")
	}
	if len(params) < 2 {
		return s.malformed("QUERYSERVER", params)
	}
	if !s.upstream.IsConnected() {
		s.Kill()
		return true
	}

	if _, allowed := s.allowedQuery[params[1]]; !allowed {
		// A forwarded command outside the allow-list is treated as a security
		// probe: terminate with nothing sent upstream.
		s.log.Warn().Str("command", params[1]).Msg("disallowed QUERYSERVER command, terminating session")
		metrics.CommandsTotal.WithLabelValues("QUERYSERVER", "killed").Inc()
		s.Kill()
		return true
	}

	forwarded := strings.Join(params[1:], " ")
	s.queryUpstream(forwarded)
	reply, ok := s.awaitReply()
	if !ok {
		return true
	}
	metrics.CommandsTotal.WithLabelValues("QUERYSERVER", "ok").Inc()
	s.sendLine(reply)

	// RETRIEVELATESTBANLIST answers with a second line which nobody wants;
	// it must still be consumed or it would be misdelivered to the next
	// correlated request.
	if strings.EqualFold(forwarded, "RETRIEVELATESTBANLIST") {
		if _, ok := s.awaitReply(); !ok {
			return true
		}
	}
	return false
}
