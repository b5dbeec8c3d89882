package policies

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// templateValues collects the ${...} variables available to policy templates.
func templateValues(exec *domain.ExecutionContext) map[string]string {
	values := map[string]string{}
	if exec == nil {
		return values
	}

	if exec.API != nil {
		values["api.id"] = exec.API.ID
		values["api.name"] = exec.API.Name
	}
	values["request.id"] = exec.Request.ID
	values["request.method"] = exec.Request.Method
	values["request.path"] = exec.Request.Path
	values["request.host"] = exec.Request.Host
	values["request.remote_addr"] = exec.Request.RemoteAddr
	if exec.API != nil {
		values["request.relative_path"] = exec.API.RelativePath(exec.Request.Path)
	}
	if exec.Response.Status != 0 {
		values["response.status"] = strconv.Itoa(exec.Response.Status)
	}

	for name, entries := range exec.Request.Headers {
		if len(entries) == 0 {
			continue
		}
		values["request.header."+strings.ToLower(name)] = entries[0]
	}
	for name, entries := range exec.Response.Headers {
		if len(entries) == 0 {
			continue
		}
		values["response.header."+strings.ToLower(name)] = entries[0]
	}

	for key, val := range exec.Attributes() {
		switch v := val.(type) {
		case string:
			values["attributes."+key] = v
		case fmt.Stringer:
			values["attributes."+key] = v.String()
		case int, int64, float64, bool:
			values["attributes."+key] = fmt.Sprint(v)
		}
	}
	return values
}

// render expands ${name} references. Unknown names expand to "".
func render(input string, values map[string]string) string {
	if !strings.Contains(input, "$") {
		return input
	}
	return os.Expand(input, func(key string) string {
		return values[key]
	})
}

func apiID(exec *domain.ExecutionContext) string {
	if exec == nil || exec.API == nil {
		return ""
	}
	return exec.API.ID
}
