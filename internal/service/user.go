package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/models"

	"gorm.io/gorm"
)

// UserService 把外部签发的身份同步到本地 users 表，供会话展示用户名。
type UserService struct {
	db *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

// Ensure 返回指定 id 的用户，首次出现时创建；token 中用户名变化时同步更新。
func (s *UserService) Ensure(ctx context.Context, id uint, username string) (*models.User, error) {
	if id == 0 {
		return nil, ErrUserNotFound
	}
	username = strings.TrimSpace(username)
	db := s.db.WithContext(ctx)

	var user models.User
	res := db.Limit(1).Find(&user, id)
	if res.Error != nil {
		return nil, storeErr("load user", res.Error)
	}
	if res.RowsAffected > 0 {
		if username != "" && username != user.Username {
			if err := db.Model(&user).Update("username", username).Error; err != nil {
				return nil, storeErr("rename user", err)
			}
			user.Username = username
		}
		return &user, nil
	}

	if username == "" {
		username = fmt.Sprintf("user-%d", id)
	}
	user = models.User{ID: id, Username: username}
	if err := db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// 并发请求已先创建了同一用户。
			if err := db.Take(&user, id).Error; err == nil {
				return &user, nil
			}
		}
		return nil, storeErr("create user", err)
	}
	return &user, nil
}
