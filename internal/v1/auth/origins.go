package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ethsig/signalhub/internal/v1/logging"
)

// GetAllowedOriginsFromEnv reads a comma-separated origin list from the
// environment. An empty result means callers should accept any origin,
// which is the default so non-browser clients keep working.
func GetAllowedOriginsFromEnv(envVarName string) []string {
	// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Any origin will be accepted on upgrade.", envVarName))
		return nil
	}
	return strings.Split(originsStr, ",")
}
