package variables

import (
	"log"
	"os"
	"strconv"
	"time"
)

const (
	HTTP_PORT_DEFAULT = "8080"
	HTTP_PORT_NAME    = "HTTP_PORT"

	ROOM_CAPACITY_DEFAULT = "8"
	ROOM_CAPACITY_NAME    = "ROOM_CAPACITY"

	ROOM_INACTIVITY_TIMEOUT_DEFAULT = "5m"
	ROOM_INACTIVITY_TIMEOUT_NAME    = "ROOM_INACTIVITY_TIMEOUT"

	RECONNECTION_WINDOW_DEFAULT = "30s"
	RECONNECTION_WINDOW_NAME    = "RECONNECTION_WINDOW"

	RECONNECTION_TOKEN_MAX_AGE_DEFAULT = "2m"
	RECONNECTION_TOKEN_MAX_AGE_NAME    = "RECONNECTION_TOKEN_MAX_AGE"

	RECONNECTION_TOKEN_SECRET_DEFAULT = ""
	RECONNECTION_TOKEN_SECRET_NAME    = "RECONNECTION_TOKEN_SECRET"

	CLEANUP_INTERVAL_DEFAULT = "15s"
	CLEANUP_INTERVAL_NAME    = "CLEANUP_INTERVAL"

	NEGOTIATION_RETRY_COUNT_DEFAULT = "5"
	NEGOTIATION_RETRY_COUNT_NAME    = "NEGOTIATION_RETRY_COUNT"

	NEGOTIATION_BACKOFF_BASE_DEFAULT = "500ms"
	NEGOTIATION_BACKOFF_BASE_NAME    = "NEGOTIATION_BACKOFF_BASE"

	ICE_SERVER_URLS_DEFAULT = "stun:stun.l.google.com:19302"
	ICE_SERVER_URLS_NAME    = "ICE_SERVER_URLS"

	SERVER_URL_DEFAULT = "ws://127.0.0.1:8080"
	SERVER_URL_NAME    = "SERVER_URL"

	ROOM_ID_DEFAULT = ""
	ROOM_ID_NAME    = "ROOM_ID"

	IDENTITY_DEFAULT = ""
	IDENTITY_NAME    = "IDENTITY"

	DISPLAY_NAME_DEFAULT = ""
	DISPLAY_NAME_NAME    = "DISPLAY_NAME"
)

func Env(variableName, defaultValue string) string {
	if variable := os.Getenv(variableName); variable != "" {
		log.Printf("[%s]: %s", variableName, variable)
		return variable
	}
	log.Printf("[%s_DEFAULT]: %s", variableName, defaultValue)
	return defaultValue
}

func ParseInt(value string) (int, error) {
	return strconv.Atoi(value)
}

func ParseDuration(value string) (time.Duration, error) {
	return time.ParseDuration(value)
}
