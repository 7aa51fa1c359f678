package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/divzzrk/go_bank_api/internal/audit"
	"github.com/divzzrk/go_bank_api/internal/ledger"
	"github.com/divzzrk/go_bank_api/models"
)

const (
	authCookie      = "Auth"
	authCookieTTL   = 24 * 60 * 60
	principalKey    = "principal"
	requestIDHeader = "X-Request-ID"
)

// API is the gin adapter over the ledger.
type API struct {
	ledger  *ledger.Ledger
	queue   TransactionPublisher
	journal *audit.Journal
	log     *zap.Logger
}

// NewAPI wires the HTTP handlers. queue and journal may be nil, in which
// case their routes answer 503.
func NewAPI(l *ledger.Ledger, queue TransactionPublisher, journal *audit.Journal, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{ledger: l, queue: queue, journal: journal, log: log}
}

// Router registers every route.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.requestID(), a.accessLog())

	r.POST("/users/register", a.register)
	r.POST("/users/login", a.login)

	authed := r.Group("/", a.authenticate())
	authed.PUT("/users/:id", a.updateUser)
	authed.POST("/accounts", a.createAccount)
	authed.GET("/accounts", a.listOwnAccounts)
	authed.GET("/accounts/:number", a.getAccount)
	authed.POST("/accounts/:number/deposit", a.deposit)
	authed.POST("/accounts/:number/withdraw", a.withdraw)
	authed.POST("/accounts/:number/transfer", a.transfer)
	authed.POST("/accounts/:number/share", a.share)
	authed.DELETE("/accounts/:number", a.closeAccount)
	authed.GET("/accounts/:number/transactions", a.getTransactionHistory)
	authed.POST("/transaction", a.queueTransaction)

	admin := authed.Group("/admin", a.requireAdmin())
	admin.GET("/users", a.listUsers)
	admin.GET("/accounts", a.listAllAccounts)
	admin.GET("/transactions", a.listAllTransactions)
	admin.GET("/audit/:number", a.auditHistory)

	return r
}

type accountView struct {
	AccountNumber    string            `json:"accountNumber"`
	OwnerEmail       string            `json:"ownerEmail"`
	AccountType      string            `json:"accountType"`
	Balance          string            `json:"balance"`
	Transactions     []transactionView `json:"transactions"`
	AuthorizedEmails []string          `json:"authorizedEmails"`
}

type transactionView struct {
	ID                int64     `json:"id"`
	AccountNumber     string    `json:"accountNumber"`
	Type              string    `json:"type"`
	Amount            string    `json:"amount"`
	Timestamp         time.Time `json:"timestamp"`
	FromAccountNumber string    `json:"fromAccountNumber"`
	ToAccountNumber   string    `json:"toAccountNumber"`
}

func viewAccount(acct *models.Account) accountView {
	emails := acct.AuthorizedEmails
	if emails == nil {
		emails = []string{}
	}
	return accountView{
		AccountNumber:    acct.AccountNumber,
		OwnerEmail:       acct.OwnerEmail,
		AccountType:      string(acct.AccountType),
		Balance:          acct.Balance.StringFixed(2),
		Transactions:     viewTransactions(acct.Transactions),
		AuthorizedEmails: emails,
	}
}

func viewAccounts(accounts []models.Account) []accountView {
	out := make([]accountView, 0, len(accounts))
	for i := range accounts {
		out = append(out, viewAccount(&accounts[i]))
	}
	return out
}

func viewTransactions(txs []models.Transaction) []transactionView {
	out := make([]transactionView, 0, len(txs))
	for _, t := range txs {
		out = append(out, transactionView{
			ID:                t.ID,
			AccountNumber:     t.AccountNumber,
			Type:              string(t.Type),
			Amount:            t.Amount.StringFixed(2),
			Timestamp:         t.Timestamp,
			FromAccountNumber: t.FromAccountNumber,
			ToAccountNumber:   t.ToAccountNumber,
		})
	}
	return out
}

// register creates a user. The password is only ever stored hashed.
func (a *API) register(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email" binding:"required"`
		Phone    string `json:"phone"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := a.ledger.Directory().Register(c.Request.Context(),
		models.User{Name: req.Name, Email: req.Email, Phone: req.Phone}, req.Password)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

// login checks credentials and sets the Auth cookie.
func (a *API) login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := a.ledger.Directory().Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.SetCookie(authCookie, p.Email, authCookieTTL, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"message": "Login successful", "id": p.UserID, "email": p.Email, "isAdmin": p.IsAdmin})
}

// updateUser changes the fields present in the body. A caller who changes
// their own email gets a fresh Auth cookie for it.
func (a *API) updateUser(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}
	var req struct {
		Name     *string `json:"name"`
		Email    *string `json:"email"`
		Phone    *string `json:"phone"`
		Password *string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p := principalFrom(c)
	user, err := a.ledger.Directory().Update(c.Request.Context(), p, id, ledger.UserUpdate{
		Name:     req.Name,
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	if user.ID == p.UserID && user.Email != p.Email {
		c.SetCookie(authCookie, user.Email, authCookieTTL, "/", "", false, true)
	}
	c.JSON(http.StatusOK, user)
}

func (a *API) listUsers(c *gin.Context) {
	users, err := a.ledger.Directory().Users(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (a *API) createAccount(c *gin.Context) {
	var req struct {
		AccountType models.AccountType `json:"accountType" binding:"required"`
		OwnerEmail  string             `json:"ownerEmail"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p := principalFrom(c)
	owner := req.OwnerEmail
	if owner == "" {
		owner = p.Email
	}
	if err := ledger.Authorize(p, ledger.ActionCreate, &models.Account{OwnerEmail: owner}); err != nil {
		a.fail(c, err)
		return
	}

	acct, err := a.ledger.CreateAccount(c.Request.Context(), owner, req.AccountType)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewAccount(acct))
}

func (a *API) listOwnAccounts(c *gin.Context) {
	accounts, err := a.ledger.AccountsFor(c.Request.Context(), principalFrom(c).Email)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewAccounts(accounts))
}

func (a *API) getAccount(c *gin.Context) {
	acct, ok := a.authorizedAccount(c, ledger.ActionView)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewAccount(acct))
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (a *API) deposit(c *gin.Context) {
	a.move(c, models.Deposit)
}

func (a *API) withdraw(c *gin.Context) {
	a.move(c, models.Withdraw)
}

func (a *API) move(c *gin.Context, typ models.TransactionType) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	qt := QueuedTransaction{Type: typ, AccountNumber: c.Param("number"), Amount: req.Amount}
	a.applyNow(c, qt)
}

func (a *API) transfer(c *gin.Context) {
	var req struct {
		ToAccountNumber string          `json:"toAccountNumber" binding:"required"`
		Amount          decimal.Decimal `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	qt := QueuedTransaction{
		Type:            models.Transfer,
		AccountNumber:   c.Param("number"),
		ToAccountNumber: req.ToAccountNumber,
		Amount:          req.Amount,
	}
	a.applyNow(c, qt)
}

func (a *API) applyNow(c *gin.Context, qt QueuedTransaction) {
	acct, err := qt.apply(c.Request.Context(), a.ledger, principalFrom(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewAccount(acct))
}

func (a *API) share(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct, ok := a.authorizedAccount(c, ledger.ActionShare)
	if !ok {
		return
	}

	acct, err := a.ledger.Share(c.Request.Context(), acct.AccountNumber, req.Email, acct.OwnerEmail)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewAccount(acct))
}

func (a *API) closeAccount(c *gin.Context) {
	acct, ok := a.authorizedAccount(c, ledger.ActionClose)
	if !ok {
		return
	}
	if err := a.ledger.CloseAccount(c.Request.Context(), acct.AccountNumber, principalFrom(c)); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Account closed", "accountNumber": acct.AccountNumber})
}

// getTransactionHistory returns the account's transactions, oldest first.
func (a *API) getTransactionHistory(c *gin.Context) {
	acct, ok := a.authorizedAccount(c, ledger.ActionView)
	if !ok {
		return
	}
	txs, err := a.ledger.Transactions().ForAccount(c.Request.Context(), acct.AccountNumber)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewTransactions(txs))
}

// queueTransaction validates the command, stamps it with the caller and a
// message id and hands it to the broker.
func (a *API) queueTransaction(c *gin.Context) {
	if a.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transaction queue is not configured"})
		return
	}
	var qt QueuedTransaction
	if err := c.ShouldBindJSON(&qt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := qt.validate(); err != nil {
		a.fail(c, err)
		return
	}
	qt.ID = uuid.NewString()
	qt.RequestedBy = principalFrom(c).Email

	if err := a.queue.PublishTransaction(c.Request.Context(), qt); err != nil {
		a.log.Error("error publishing transaction", zap.String("id", qt.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue transaction"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":       "Transaction queued successfully",
		"id":            qt.ID,
		"accountNumber": qt.AccountNumber,
		"amount":        qt.Amount.StringFixed(2),
		"type":          qt.Type,
	})
}

func (a *API) listAllAccounts(c *gin.Context) {
	accounts, err := a.ledger.ListAccounts(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewAccounts(accounts))
}

func (a *API) listAllTransactions(c *gin.Context) {
	txs, err := a.ledger.ListTransactions(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewTransactions(txs))
}

// auditHistory returns what the Mongo journal recorded for an account.
func (a *API) auditHistory(c *gin.Context) {
	if a.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit journal is not configured"})
		return
	}
	entries, err := a.journal.History(c.Request.Context(), c.Param("number"))
	if err != nil {
		a.log.Error("error fetching audit history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch audit history"})
		return
	}
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"transactionId":     e.TransactionID,
			"accountNumber":     e.AccountID,
			"fromAccountNumber": e.FromAccountID,
			"toAccountNumber":   e.ToAccountID,
			"type":              e.Type,
			"amount":            e.Amount.String(),
			"createdAt":         e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// authorizedAccount loads :number and checks action against it, writing
// the error response itself when either fails.
func (a *API) authorizedAccount(c *gin.Context, action ledger.Action) (*models.Account, bool) {
	acct, err := a.ledger.GetAccount(c.Request.Context(), c.Param("number"))
	if err != nil {
		a.fail(c, err)
		return nil, false
	}
	if err := ledger.Authorize(principalFrom(c), action, acct); err != nil {
		a.fail(c, err)
		return nil, false
	}
	return acct, true
}

// authenticate resolves the Auth cookie to a principal.
func (a *API) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		email, err := c.Cookie(authCookie)
		if err != nil || email == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		p, err := a.ledger.Directory().Resolve(c.Request.Context(), email)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
				return
			}
			a.fail(c, err)
			c.Abort()
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func (a *API) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := ledger.Authorize(principalFrom(c), ledger.ActionListAll, nil); err != nil {
			a.fail(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

func principalFrom(c *gin.Context) ledger.Principal {
	p, _ := c.Get(principalKey)
	principal, _ := p.(ledger.Principal)
	return principal
}

func (a *API) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (a *API) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(requestIDHeader)))
	}
}

// statusFor maps a ledger error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(requestIDHeader)),
			zap.Error(err))
		c.JSON(code, gin.H{"error": "Database error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
