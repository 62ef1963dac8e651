// Package backendtest runs an in-process Unreal API for tests. It verifies
// registration signatures, issues bearer tokens with a call quota and serves
// the key, airdrop and system endpoints.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/unreal-ai/unreal-console/internal/auth"
	"github.com/unreal-ai/unreal-console/internal/backend"
)

func init() { gin.SetMode(gin.TestMode) }

// Server is a fake backend. Tokens it issues carry the registered call
// quota as their remaining count.
type Server struct {
	srv *httptest.Server

	mu            sync.Mutex
	signer        common.Address
	system        backend.SystemInfo
	airdrop       backend.AirdropResponse
	registerFail  int
	registrations []backend.RegisterRequest
	tokens        map[string]backend.VerifyResult
	keys          map[common.Address][]backend.APIKey
	airdropCalls  int
	nextID        int
}

// New starts a backend whose signing address is signer.
func New(t testing.TB, signer common.Address) *Server {
	t.Helper()
	s := &Server{
		signer: signer,
		tokens: make(map[string]backend.VerifyResult),
		keys:   make(map[common.Address][]backend.APIKey),
	}
	r := gin.New()
	r.GET("/auth/address", s.handleAddress)
	r.POST("/auth/register", s.handleRegister)
	r.GET("/auth/verify", s.handleVerify)
	r.GET("/system", s.handleSystem)

	authed := r.Group("", s.requireBearer)
	authed.POST("/api/v1/keys", s.handleCreateKey)
	authed.GET("/api/v1/keys", s.handleListKeys)
	authed.DELETE("/api/v1/keys/:hash", s.handleDeleteKey)
	authed.POST("/airdrop", s.handleAirdrop)

	s.srv = httptest.NewServer(r)
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the backend's base URL.
func (s *Server) URL() string { return s.srv.URL }

// SetSystem replaces the /system response.
func (s *Server) SetSystem(info backend.SystemInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.system = info
}

// SetAirdrop replaces the /airdrop response.
func (s *Server) SetAirdrop(resp backend.AirdropResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.airdrop = resp
}

// FailRegistrations makes /auth/register answer with status until reset
// with 0.
func (s *Server) FailRegistrations(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerFail = status
}

// Registrations returns every accepted or rejected registration body.
func (s *Server) Registrations() []backend.RegisterRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.RegisterRequest(nil), s.registrations...)
}

// AirdropCalls counts /airdrop requests.
func (s *Server) AirdropCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.airdropCalls
}

// Issue mints a token for addr without a registration.
func (s *Server) Issue(addr common.Address, remaining int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issue(addr, remaining, 0)
}

// Revoke makes token unknown to the backend.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

func (s *Server) issue(addr common.Address, remaining, exp int64) string {
	s.nextID++
	token := fmt.Sprintf("tok-%d", s.nextID)
	s.tokens[token] = backend.VerifyResult{Valid: true, Remaining: remaining, Address: addr, Exp: exp}
	return token
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleAddress(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"address": s.signer.Hex()})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req backend.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations = append(s.registrations, req)
	if s.registerFail != 0 {
		c.JSON(s.registerFail, gin.H{"error": "registration rejected"})
		return
	}

	sig, err := hexutil.Decode(req.Signature)
	if err != nil || !auth.Verify(req.Payload, sig, req.Address) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	var payload struct {
		Issuer string `json:"iss"`
		Exp    int64  `json:"exp"`
		Calls  int64  `json:"calls"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !strings.EqualFold(payload.Issuer, s.signer.Hex()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wrong issuer"})
		return
	}
	if payload.Calls > 0 && req.Permit == nil {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "permit required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": s.issue(req.Address, payload.Calls, payload.Exp)})
}

func (s *Server) handleVerify(c *gin.Context) {
	s.mu.Lock()
	res, ok := s.tokens[c.Query("token")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown token"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSystem(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, s.system)
}

func (s *Server) requireBearer(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	s.mu.Lock()
	res, ok := s.tokens[token]
	s.mu.Unlock()
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set("owner", res.Address)
	c.Next()
}

func (s *Server) handleCreateKey(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	owner := c.MustGet("owner").(common.Address)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	hash := fmt.Sprintf("hash-%d", s.nextID)
	s.keys[owner] = append(s.keys[owner], backend.APIKey{Name: body.Name, Hash: hash, CreatedAt: int64(s.nextID)})
	c.JSON(http.StatusOK, backend.CreatedKey{Key: "sk-" + hash, Hash: hash})
}

func (s *Server) handleListKeys(c *gin.Context) {
	owner := c.MustGet("owner").(common.Address)
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := append([]backend.APIKey{}, s.keys[owner]...)
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (s *Server) handleDeleteKey(c *gin.Context) {
	owner := c.MustGet("owner").(common.Address)
	hash := c.Param("hash")
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.keys[owner]
	for i, k := range keys {
		if k.Hash == hash {
			s.keys[owner] = append(keys[:i], keys[i+1:]...)
			c.Status(http.StatusNoContent)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
}

func (s *Server) handleAirdrop(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.airdropCalls++
	c.JSON(http.StatusOK, s.airdrop)
}
