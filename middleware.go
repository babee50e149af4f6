package reqguard

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// ResultLocalKey is where the middleware stores the DetectionResult on the
// fiber context.
const ResultLocalKey = "reqguard.result"

// Middleware evaluates every request and annotates the response with the
// verdict. It observes and recommends; it never blocks traffic itself.
func (p *Pipeline) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		req := RequestFromFiber(c)
		result := p.Evaluate(c.UserContext(), req)

		c.Locals(ResultLocalKey, result)
		c.Set("X-Threat-Level", result.ThreatLevel.String())

		err := c.Next()
		p.RecordOutcome(c.UserContext(), result, time.Since(start).Seconds())
		return err
	}
}

// RequestFromFiber extracts the pipeline input from an incoming HTTP
// request. Header names are lower-cased to match the pattern matcher's
// expectations.
func RequestFromFiber(c *fiber.Ctx) *Request {
	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[strings.ToLower(string(key))] = string(value)
	})

	return &Request{
		IP:        clientIP(c),
		UserID:    c.Get("X-User-ID"),
		SessionID: sessionID(c),
		UserAgent: c.Get("User-Agent"),
		Path:      c.Path(),
		Method:    c.Method(),
		Headers:   headers,
		Body:      string(c.Body()),
		Timestamp: time.Now(),
	}
}

func clientIP(c *fiber.Ctx) string {
	if ip := c.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := c.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	return c.IP()
}

func sessionID(c *fiber.Ctx) string {
	if sid := c.Get("X-Session-ID"); sid != "" {
		return sid
	}
	return c.Cookies("session_id")
}
