package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// connectivityPaths are the connectivity checks operating systems fire when they
// join a network. Answering with a redirect makes them open the portal.
var connectivityPaths = []string{
	"/generate_204",
	"/generate-204",
	"/.well-known/generate-204",
	"/hotspot-detect.html",
	"/ncsi.txt",
	"/connecttest.txt",
	"/success.txt",
	"/library/test/success.html",
	"/detectportal.html",
	"/wpad.dat",
	"/fwlink",
}

// VerifyPage is where captive connectivity checks are sent.
const VerifyPage = "/verify"

func (s *Server) registerConnectivityChecks(r *gin.Engine) {
	redirect := func(c *gin.Context) {
		c.Redirect(http.StatusFound, VerifyPage)
	}
	for _, p := range connectivityPaths {
		r.GET(p, redirect)
	}
}
