package ports

import (
	"github.com/gin-gonic/gin"
)

type RelayHTTPHandler interface {
	AppendSignal(c *gin.Context)
	LatestSignal(c *gin.Context)
	ListSignals(c *gin.Context)
	Feed(c *gin.Context)
	IssueToken(c *gin.Context)
}

type StatusHTTPHandler interface {
	GetStatus(c *gin.Context)
}
