package service

import (
	"errors"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/apperr"
	"gorm.io/gorm"
)

// 业务层通用错误，handler 通过 apperr 错误码映射到合适的 HTTP 状态码。
var (
	ErrEmptyBody        = apperr.InvalidArgument("message body is empty")
	ErrBodyTooLong      = apperr.InvalidArgument("message body is too long")
	ErrSelfChat         = apperr.InvalidArgument("cannot start a direct chat with yourself")
	ErrDirectImmutable  = apperr.InvalidArgument("direct chats always have exactly two participants")
	ErrGroupNameTooLong = apperr.InvalidArgument("group name is too long")
	ErrChatNotFound     = apperr.NotFound("chat not found")
	ErrMessageNotFound  = apperr.NotFound("message not found")
	ErrUserNotFound     = apperr.NotFound("user not found")
	ErrNotParticipant   = apperr.PermissionDenied("not a participant of this chat")
	ErrNotSender        = apperr.PermissionDenied("only the sender can delete a message")
)

// storeErr 原样保留业务错误，其余错误统一包装，并转换 gorm 报告的约束错误。
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.Wrap(apperr.CodeNotFound, op+": not found", err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperr.Wrap(apperr.CodeAlreadyExists, op+": already exists", err)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return apperr.Wrap(apperr.CodeNotFound, op+": referenced row missing", err)
	default:
		return apperr.Internal(op+" failed", err)
	}
}
