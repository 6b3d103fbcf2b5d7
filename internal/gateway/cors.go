package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/heliosfn/helios/internal/domain"
)

// applyCORS writes the response CORS headers for a route, if the request
// carries an Origin the policy allows.
func applyCORS(w http.ResponseWriter, r *http.Request, policy *domain.CORSPolicy) {
	if policy == nil {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := allowedOrigin(policy, origin)
	if allowed == "" {
		return
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", allowed)
	if allowed != "*" {
		h.Add("Vary", "Origin")
	}
	if policy.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(policy.ExposeHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(policy.ExposeHeaders, ", "))
	}
}

// handlePreflight answers an OPTIONS preflight from the route's policy
// without touching the executor.
func handlePreflight(w http.ResponseWriter, r *http.Request, route *compiledRoute) {
	policy := route.route.CORS
	origin := r.Header.Get("Origin")

	if policy == nil || origin == "" || allowedOrigin(policy, origin) == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", allowedOrigin(policy, origin))
	h.Add("Vary", "Origin")
	if policy.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	if len(policy.AllowMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(policy.AllowMethods, ", "))
	} else if len(route.methods) > 0 {
		methods := make([]string, 0, len(route.methods))
		for m := range route.methods {
			methods = append(methods, m)
		}
		h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	} else {
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, HEAD")
	}

	if len(policy.AllowHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(policy.AllowHeaders, ", "))
	} else if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
	if policy.MaxAgeSeconds > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(policy.MaxAgeSeconds))
	}
	w.WriteHeader(http.StatusNoContent)
}

func allowedOrigin(policy *domain.CORSPolicy, origin string) string {
	for _, o := range policy.AllowOrigins {
		if o == "*" {
			if policy.AllowCredentials {
				// wildcard is not allowed with credentials; echo the origin
				return origin
			}
			return "*"
		}
		if strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}
