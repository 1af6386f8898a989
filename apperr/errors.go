package apperr

var (
	ErrSenderRequired     = Validation("sender is required")
	ErrReceiverRequired   = Validation("receiver is required")
	ErrEmptyMessage       = Validation("message text or attachment is required")
	ErrMessageTooLong     = Validation("message text is too long")
	ErrUnknownSender      = Validation("sender is not a known user")
	ErrUnknownReceiver    = Validation("receiver is not a known user")
	ErrEmojiRequired      = Validation("emoji is required")
	ErrReactorRequired    = Validation("reactor is required")
	ErrMessageNotFound    = NotFound("message not found")
	ErrUserNotFound       = NotFound("user not found")
	ErrEmailTaken         = AlreadyExists("email is already registered")
	ErrInvalidCredentials = Unauthenticated("invalid credentials")
	ErrInvalidToken       = Unauthenticated("invalid or expired token")
	ErrIdentityMismatch   = Unauthenticated("user id does not match the authenticated user")
	ErrRateLimited        = New(CodeRateLimited, "too many events")
)
