package auth

import (
	"net/http"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

// RouteRegistrar captures the router methods used by RegisterRoutes
type RouteRegistrar interface {
	Get(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Post(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Put(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Delete(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
}

// RouteGuards are the middlewares protecting routes. Bearer validates
// the access token, Admin validates it and requires the admin role,
// APIKey resolves the calling instance.
type RouteGuards struct {
	Bearer router.MiddlewareFunc
	Admin  router.MiddlewareFunc
	APIKey router.MiddlewareFunc
}

// RegisterRoutes mounts every endpoint under prefix
func RegisterRoutes(app RouteRegistrar, prefix string, c *Controller, guards RouteGuards) {
	p := func(path string) string { return prefix + path }

	app.Post(p("/auth/login"), c.Login).SetName("auth.login")
	app.Post(p("/auth/refresh"), c.Refresh).SetName("auth.refresh")
	app.Post(p("/auth/logout"), c.Logout, guards.Bearer).SetName("auth.logout")
	app.Post(p("/auth/otp/generate"), c.GenerateOtp).SetName("auth.otp.generate")
	app.Post(p("/auth/otp/verify"), c.VerifyOtp).SetName("auth.otp.verify")
	app.Post(p("/auth/change-password"), c.ChangePassword).SetName("auth.password.change")
	app.Post(p("/auth/verify-email"), c.VerifyEmail).SetName("auth.email.verify")

	app.Post(p("/users"), c.RegisterUser, guards.Admin).SetName("users.create")
	app.Get(p("/users"), c.ListUsers, guards.Admin).SetName("users.list")
	app.Get(p("/users/me"), c.CurrentUser, guards.Bearer).SetName("users.me")
	app.Get(p("/users/me/roles"), c.MyRoles, guards.Bearer).SetName("users.me.roles")
	app.Get(p("/users/:id"), c.GetUser, guards.Admin).SetName("users.get")
	app.Put(p("/users/:id"), c.UpdateUser, guards.Admin).SetName("users.update")
	app.Delete(p("/users/:id"), c.DeleteUser, guards.Admin).SetName("users.delete")
	app.Get(p("/users/:id/roles"), c.UserRoles, guards.Admin).SetName("users.roles")
	app.Put(p("/users/:id/roles"), c.SetUserRoles, guards.Admin).SetName("users.roles.set")

	app.Post(p("/logs/log"), c.IngestLog, guards.APIKey).SetName("logs.ingest")
	app.Get(p("/logs"), c.ListLogs, guards.Bearer).SetName("logs.list")

	app.Get(p("/instances"), c.ListInstances, guards.Admin).SetName("instances.list")
	app.Get(p("/instances/mine"), c.MyInstances, guards.Bearer).SetName("instances.mine")
	app.Get(p("/instances/check-access/:id"), c.CheckAccess, guards.Bearer).SetName("instances.check_access")
	app.Get(p("/instances/current"), c.CurrentInstance, guards.APIKey).SetName("instances.current")
	app.Post(p("/instances"), c.CreateInstance, guards.Admin).SetName("instances.create")
	app.Get(p("/instances/:id"), c.GetInstance, guards.Bearer).SetName("instances.get")
	app.Put(p("/instances/:id"), c.UpdateInstance, guards.Admin).SetName("instances.update")
	app.Delete(p("/instances/:id"), c.DeleteInstance, guards.Admin).SetName("instances.delete")
	app.Post(p("/instances/:id/regenerate-apikey"), c.RegenerateAPIKey, guards.Admin).SetName("instances.regenerate_key")
	app.Post(p("/instances/:id/users"), c.AssignUser, guards.Admin).SetName("instances.users.assign")
	app.Get(p("/instances/:id/users"), c.InstanceUsers, guards.Admin).SetName("instances.users.list")
	app.Delete(p("/instances/:id/users/:userId"), c.RemoveUser, guards.Admin).SetName("instances.users.remove")
	app.Get(p("/instances/:id/user-count"), c.CountInstanceUsers, guards.Admin).SetName("instances.users.count")
}

// Services are the collaborators the controller calls into
type Services struct {
	Repo           RepositoryManager
	Auther         *Auther
	Otp            *OtpAuthenticator
	ApiKeys        *ApiKeyManager
	Access         *AccessGuard
	RegisterUser   *RegisterUserHandler
	ChangePassword *ChangePasswordHandler
	VerifyEmail    *VerifyEmailHandler
	Users          *UserAdmin
	Logs           *LogIngestor
}

// Controller exposes the credential services as JSON endpoints
type Controller struct {
	Debug       bool
	Logger      Logger
	ClaimsKey   string
	InstanceKey string
	svc         Services
}

type ControllerOption func(*Controller) *Controller

func WithControllerLogger(logger Logger) ControllerOption {
	return func(c *Controller) *Controller {
		if logger != nil {
			c.Logger = logger
		}
		return c
	}
}

// WithControllerDebug dumps request payloads to the logger
func WithControllerDebug(debug bool) ControllerOption {
	return func(c *Controller) *Controller {
		c.Debug = debug
		return c
	}
}

func NewController(svc Services, opts ...ControllerOption) *Controller {
	if svc.Repo == nil {
		panic("Missing RepositoryManager in controller...")
	}

	if svc.Auther == nil {
		panic("Missing Auther in controller...")
	}

	if svc.Otp == nil {
		svc.Otp = NewOtpAuthenticator(svc.Repo, nil)
	}
	if svc.ApiKeys == nil {
		svc.ApiKeys = NewApiKeyManager(svc.Repo)
	}
	if svc.Access == nil {
		svc.Access = NewAccessGuard(svc.Repo)
	}
	if svc.RegisterUser == nil {
		svc.RegisterUser = NewRegisterUserHandler(svc.Repo)
	}
	if svc.ChangePassword == nil {
		svc.ChangePassword = NewChangePasswordHandler(svc.Repo, svc.Otp)
	}
	if svc.VerifyEmail == nil {
		svc.VerifyEmail = NewVerifyEmailHandler(svc.Repo, svc.Otp)
	}
	if svc.Users == nil {
		svc.Users = NewUserAdmin(svc.Repo)
	}
	if svc.Logs == nil {
		svc.Logs = NewLogIngestor(svc.Repo)
	}

	c := &Controller{
		Logger:      defLogger{},
		ClaimsKey:   DefaultClaimsKey,
		InstanceKey: DefaultInstanceKey,
		svc:         svc,
	}

	for _, opt := range opts {
		c = opt(c)
	}

	return c
}

// LoginRequest payload
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

func (c *Controller) Login(ctx router.Context) error {
	payload := new(LoginRequest)
	if err := c.bind(ctx, payload); err != nil {
		return c.fail(ctx, err)
	}

	pair, err := c.svc.Auther.Login(ctx.Context(), payload.Email, payload.Password)
	if err != nil {
		return c.fail(ctx, err)
	}

	return ctx.JSON(router.StatusOK, Ok(pair, "Login successful"))
}

// RefreshRequest payload
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (r RefreshRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RefreshToken, validation.Required),
	)
}

func (c *Controller) Refresh(ctx router.Context) error {
	payload := new(RefreshRequest)
	if err := c.bind(ctx, payload); err != nil {
		return c.fail(ctx, err)
	}

	pair, err := c.svc.Auther.Refresh(ctx.Context(), payload.RefreshToken)
	if err != nil {
		return c.fail(ctx, err)
	}

	return ctx.JSON(router.StatusOK, Ok(pair, "Token refreshed"))
}

func (c *Controller) Logout(ctx router.Context) error {
	caller, ok := CallerFromRouter(ctx, c.ClaimsKey)
	if !ok {
		return c.fail(ctx, ErrInvalidCredential)
	}

	if err := c.svc.Auther.Logout(ctx.Context(), caller.UserID); err != nil {
		return c.fail(ctx, err)
	}

	return ctx.JSON(router.StatusOK, Ok(true, "Logged out"))
}

// OtpRequest payload
type OtpRequest struct {
	Email   string     `json:"email"`
	Purpose OtpPurpose `json:"purpose"`
	Code    string     `json:"code,omitempty"`
}

func (r OtpRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Purpose, validation.Required, validation.In(OtpPurposeForgotPassword, OtpPurposeEmailVerification)),
	)
}

func (c *Controller) GenerateOtp(ctx router.Context) error {
	payload := new(OtpRequest)
	if err := c.bind(ctx, payload); err != nil {
		return c.fail(ctx, err)
	}

	if err := c.svc.Otp.Generate(ctx.Context(), payload.Email, payload.Purpose); err != nil {
		return c.fail(ctx, err)
	}

	return ctx.JSON(router.StatusOK, Ok(true, "Verification code sent"))
}

const otpRejectedMessage = "Invalid or expired verification code"

// VerifyOtp always answers 200 with a boolean, malformed input included
func (c *Controller) VerifyOtp(ctx router.Context) error {
	payload := new(OtpRequest)
	if err := ctx.Bind(payload); err != nil {
		c.Logger.Debug("otp verify body rejected", "error", err)
		return ctx.JSON(router.StatusOK, Ok(false, otpRejectedMessage))
	}

	ok, err := c.svc.Otp.Verify(ctx.Context(), payload.Email, payload.Code, payload.Purpose)
	if err != nil {
		c.Logger.Error("otp verify failed", "error", err)
		ok = false
	}

	message := "Code verified"
	if !ok {
		message = otpRejectedMessage
	}

	return ctx.JSON(router.StatusOK, Ok(ok, message))
}

func (c *Controller) ChangePassword(ctx router.Context) error {
	payload := new(ChangePasswordMessage)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, NewValidationError("invalid request body", nil))
	}
	c.dump("change password", payload.Email)

	user, err := c.svc.ChangePassword.Execute(ctx.Context(), *payload)
	if err != nil {
		return c.fail(ctx, err)
	}

	return ctx.JSON(router.StatusOK, Ok(user, "Password updated"))
}

func (c *Controller) VerifyEmail(ctx router.Context) error {
	payload := new(VerifyEmailMessage)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, NewValidationError("invalid request body", nil))
	}

	if err := c.svc.VerifyEmail.Execute(ctx.Context(), *payload); err != nil {
		return c.fail(ctx, err)
	}

	return ctx.JSON(router.StatusOK, Ok(true, "Email verified"))
}

func (c *Controller) RegisterUser(ctx router.Context) error {
	payload := new(RegisterUserMessage)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, NewValidationError("invalid request body", nil))
	}
	c.dump("register user", payload.Email)

	user, err := c.svc.RegisterUser.Execute(ctx.Context(), *payload)
	if err != nil {
		return c.fail(ctx, err)
	}

	return ctx.JSON(http.StatusCreated, Ok(user, "User created"))
}

func (c *Controller) CurrentUser(ctx router.Context) error {
	caller, ok := CallerFromRouter(ctx, c.ClaimsKey)
	if !ok {
		return c.fail(ctx, ErrInvalidCredential)
	}

	id, err := parseID("user_id", caller.UserID)
	if err != nil {
		return c.fail(ctx, err)
	}

	user, err := c.svc.Repo.Users().FindByIDTx(ctx.Context(), c.svc.Repo.DB(), id)
	if err != nil {
		if isRecordNotFound(err) {
			return c.fail(ctx, NewNotFoundError("user", caller.UserID))
		}
		c.Logger.Error("current user lookup failed", "error", err)
		return c.fail(ctx, NewInternalError(err, "users.me"))
	}

	return ctx.JSON(router.StatusOK, Ok(user, ""))
}

func (c *Controller) ListUsers(ctx router.Context) error {
	records, err := c.svc.Users.List(ctx.Context())
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(records, ""))
}

// GetUser accepts either the user id or the email in :id
func (c *Controller) GetUser(ctx router.Context) error {
	record, err := c.svc.Users.Get(ctx.Context(), ctx.Param("id"))
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(record, ""))
}

func (c *Controller) UpdateUser(ctx router.Context) error {
	payload := new(UpdateUserRequest)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, NewValidationError("invalid request body", nil))
	}
	c.dump("update user", payload)

	record, err := c.svc.Users.Update(ctx.Context(), ctx.Param("id"), *payload)
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(record, "User updated"))
}

func (c *Controller) DeleteUser(ctx router.Context) error {
	if err := c.svc.Users.Delete(ctx.Context(), ctx.Param("id")); err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(true, "User deleted"))
}

func (c *Controller) UserRoles(ctx router.Context) error {
	roles, err := c.svc.Users.Roles(ctx.Context(), ctx.Param("id"))
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(roles, ""))
}

func (c *Controller) SetUserRoles(ctx router.Context) error {
	payload := new(SetRolesRequest)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, NewValidationError("invalid request body", nil))
	}

	roles, err := c.svc.Users.SetRoles(ctx.Context(), ctx.Param("id"), *payload)
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(roles, "Roles updated"))
}

// MyRoles reads the stored roles, which may be newer than the token's
func (c *Controller) MyRoles(ctx router.Context) error {
	caller, ok := CallerFromRouter(ctx, c.ClaimsKey)
	if !ok {
		return c.fail(ctx, ErrInvalidCredential)
	}

	roles, err := c.svc.Users.Roles(ctx.Context(), caller.UserID)
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(roles, ""))
}

// LoggedEntry is the ingest acknowledgement
type LoggedEntry struct {
	ID string `json:"id"`
}

// IngestLog stores an entry for the instance owning the API key
func (c *Controller) IngestLog(ctx router.Context) error {
	instance, ok := GetRouterInstance(ctx, c.InstanceKey)
	if !ok {
		return c.fail(ctx, ErrInvalidCredential)
	}

	payload := new(LogIngestRequest)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, NewValidationError("log entry is empty or malformed", nil))
	}

	record, err := c.svc.Logs.Ingest(ctx.Context(), instance, *payload)
	if err != nil {
		return c.fail(ctx, err)
	}

	return ctx.JSON(http.StatusCreated, Ok(LoggedEntry{ID: record.ID.String()}, "Log stored"))
}

func (c *Controller) ListLogs(ctx router.Context) error {
	caller, ok := CallerFromRouter(ctx, c.ClaimsKey)
	if !ok {
		return c.fail(ctx, ErrInvalidCredential)
	}

	query := LogQuery{
		InstanceID: ctx.Query("instance_id"),
		Level:      ctx.Query("level"),
		Limit:      queryInt(ctx, "limit"),
		Offset:     queryInt(ctx, "offset"),
	}

	records, err := c.svc.Logs.List(ctx.Context(), caller, query)
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(records, ""))
}

func (c *Controller) ListInstances(ctx router.Context) error {
	records, err := c.svc.ApiKeys.List(ctx.Context())
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(records, ""))
}

func (c *Controller) MyInstances(ctx router.Context) error {
	caller, ok := CallerFromRouter(ctx, c.ClaimsKey)
	if !ok {
		return c.fail(ctx, ErrInvalidCredential)
	}

	records, err := c.svc.Access.InstancesOf(ctx.Context(), caller.UserID)
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(records, ""))
}

func (c *Controller) CheckAccess(ctx router.Context) error {
	caller, ok := CallerFromRouter(ctx, c.ClaimsKey)
	if !ok {
		return c.fail(ctx, ErrInvalidCredential)
	}

	allowed, err := c.svc.Access.HasAccess(ctx.Context(), caller.UserID, ctx.Param("id"))
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(allowed, ""))
}

func (c *Controller) CurrentInstance(ctx router.Context) error {
	instance, ok := GetRouterInstance(ctx, c.InstanceKey)
	if !ok {
		return c.fail(ctx, ErrInvalidCredential)
	}
	return ctx.JSON(router.StatusOK, Ok(instance, ""))
}

// CreatedInstance is the only response carrying an API key
type CreatedInstance struct {
	*Instance
	APIKey string `json:"api_key"`
}

func (c *Controller) CreateInstance(ctx router.Context) error {
	payload := new(CreateInstanceRequest)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, NewValidationError("invalid request body", nil))
	}
	c.dump("create instance", payload)

	record, err := c.svc.ApiKeys.Create(ctx.Context(), *payload)
	if err != nil {
		return c.fail(ctx, err)
	}

	return ctx.JSON(http.StatusCreated, Ok(CreatedInstance{
		Instance: record,
		APIKey:   record.APIKey,
	}, "Instance created"))
}

func (c *Controller) GetInstance(ctx router.Context) error {
	caller, ok := CallerFromRouter(ctx, c.ClaimsKey)
	if !ok {
		return c.fail(ctx, ErrInvalidCredential)
	}

	id := ctx.Param("id")
	if err := Authorize(ctx.Context(), c.svc.Access, caller, RequireInstanceAccess(id)); err != nil {
		return c.fail(ctx, err)
	}

	record, err := c.svc.ApiKeys.Get(ctx.Context(), id)
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(record, ""))
}

func (c *Controller) UpdateInstance(ctx router.Context) error {
	payload := new(UpdateInstanceRequest)
	if err := ctx.Bind(payload); err != nil {
		return c.fail(ctx, NewValidationError("invalid request body", nil))
	}
	c.dump("update instance", payload)

	record, err := c.svc.ApiKeys.Update(ctx.Context(), ctx.Param("id"), *payload)
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(record, "Instance updated"))
}

func (c *Controller) DeleteInstance(ctx router.Context) error {
	if err := c.svc.ApiKeys.Delete(ctx.Context(), ctx.Param("id")); err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(true, "Instance deleted"))
}

// RegeneratedKey is returned once, right after rotation
type RegeneratedKey struct {
	APIKey string `json:"api_key"`
}

func (c *Controller) RegenerateAPIKey(ctx router.Context) error {
	key, err := c.svc.ApiKeys.Regenerate(ctx.Context(), ctx.Param("id"))
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(RegeneratedKey{APIKey: key}, "API key regenerated"))
}

// AssignUserRequest payload
type AssignUserRequest struct {
	UserID string `json:"user_id"`
}

func (r AssignUserRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.UserID, validation.Required, is.UUID),
	)
}

func (c *Controller) AssignUser(ctx router.Context) error {
	payload := new(AssignUserRequest)
	if err := c.bind(ctx, payload); err != nil {
		return c.fail(ctx, err)
	}

	if err := c.svc.Access.Assign(ctx.Context(), payload.UserID, ctx.Param("id")); err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(true, "User assigned"))
}

func (c *Controller) RemoveUser(ctx router.Context) error {
	if err := c.svc.Access.Remove(ctx.Context(), ctx.Param("userId"), ctx.Param("id")); err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(true, "User removed"))
}

func (c *Controller) InstanceUsers(ctx router.Context) error {
	records, err := c.svc.Access.UsersOf(ctx.Context(), ctx.Param("id"))
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(records, ""))
}

func (c *Controller) CountInstanceUsers(ctx router.Context) error {
	n, err := c.svc.Access.CountUsers(ctx.Context(), ctx.Param("id"))
	if err != nil {
		return c.fail(ctx, err)
	}
	return ctx.JSON(router.StatusOK, Ok(n, ""))
}

func queryInt(ctx router.Context, key string) int {
	n, err := strconv.Atoi(ctx.Query(key))
	if err != nil {
		return 0
	}
	return n
}

type validatable interface {
	Validate() error
}

func (c *Controller) bind(ctx router.Context, payload validatable) error {
	if err := ctx.Bind(payload); err != nil {
		return NewValidationError("invalid request body", nil)
	}
	return FromValidation(payload.Validate())
}

func (c *Controller) fail(ctx router.Context, err error) error {
	status, res := Fail(err)
	if status >= http.StatusInternalServerError {
		c.Logger.Error("request failed", "status", status, "error", err)
	} else {
		c.Logger.Debug("request rejected", "status", status, "error", err)
	}
	return ctx.JSON(status, res)
}

func (c *Controller) dump(label string, v any) {
	if c.Debug {
		c.Logger.Debug(label, "payload", print.MaybePrettyJSON(v))
	}
}
