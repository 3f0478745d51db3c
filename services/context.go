package services

import (
	"github.com/Yulian302/lfusys-services-assets/commons/config"
)

type Caller struct {
	UserID string
}

// RequestScope carries caller identity and limits through a single
// initialize or complete call.
type RequestScope struct {
	Caller Caller
	Limits config.UploadLimits
}

func NewRequestScope(userID string, limits config.UploadLimits) RequestScope {
	return RequestScope{Caller: Caller{UserID: userID}, Limits: limits}
}
