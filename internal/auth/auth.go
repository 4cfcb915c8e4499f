package auth

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/apperr"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/models"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
	"github.com/rs/zerolog/log"
)

const (
	ctxUserID   = "userID"
	ctxUser     = "user"
	ctxRoles    = "roles"
	bearerScope = "bearer "
)

const RoleAdmin = "admin"

var ErrInvalidToken = errors.New("invalid token")

// Claims 由实习平台的身份服务签发，这里只用到用户 id、用户名和角色。
type Claims struct {
	UserID   uint     `json:"uid"`
	Username string   `json:"name,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// GenerateAccessToken 签发 HS256 token。生产环境的 token 由平台签发，这里供测试和 chatctl token 使用。
func GenerateAccessToken(userID uint, username, secret string, ttlMinutes int, roles ...string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseAccessTokenUnverified 不校验签名直接解析 claims，仅供需要知道 token 归属的工具使用。
func ParseAccessTokenUnverified(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenFromRequest 从 Authorization 头读取 Bearer Token，
// 浏览器无法在 WebSocket 握手时设置请求头，因此也接受 token 查询参数。
func TokenFromRequest(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) > len(bearerScope) && strings.EqualFold(authz[:len(bearerScope)], bearerScope) {
		return strings.TrimSpace(authz[len(bearerScope):])
	}
	return c.Query("token")
}

// Authenticate 校验请求 token 并确保本地存在对应用户。
func Authenticate(c *gin.Context, secret string, users *service.UserService) (*models.User, error) {
	user, _, err := authenticate(c, secret, users)
	return user, err
}

func authenticate(c *gin.Context, secret string, users *service.UserService) (*models.User, *Claims, error) {
	tokenStr := TokenFromRequest(c)
	if tokenStr == "" {
		return nil, nil, apperr.New(apperr.CodeUnauthenticated, "missing bearer token")
	}
	claims, err := ParseAccessToken(tokenStr, secret)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeUnauthenticated, "invalid token", err)
	}
	user, err := users.Ensure(c.Request.Context(), claims.UserID, claims.Username)
	if err != nil {
		return nil, nil, err
	}
	return user, claims, nil
}

func AuthMiddleware(secret string, users *service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, claims, err := authenticate(c, secret, users)
		if err != nil {
			code := apperr.CodeOf(err)
			if code == apperr.CodeInternal {
				log.Error().Err(err).Msg("provision user")
			}
			c.AbortWithStatusJSON(apperr.HTTPStatus(code), gin.H{"error": apperr.MessageOf(err), "code": code})
			return
		}
		c.Set(ctxUserID, user.ID)
		c.Set(ctxUser, *user)
		c.Set(ctxRoles, claims.Roles)
		c.Next()
	}
}

// RequireRole 只放行 token 中带有 role 的请求。
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		roles, _ := c.Get(ctxRoles)
		if list, ok := roles.([]string); ok && slices.Contains(list, role) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "code": apperr.CodePermissionDenied})
	}
}

func GetUserID(c *gin.Context) uint {
	if v, ok := c.Get(ctxUserID); ok {
		if id, ok2 := v.(uint); ok2 {
			return id
		}
	}
	return 0
}

func GetUser(c *gin.Context) (models.User, bool) {
	v, ok := c.Get(ctxUser)
	if !ok {
		return models.User{}, false
	}
	u, ok := v.(models.User)
	return u, ok
}

// RequireUser 在请求未经认证中间件处理时返回 401。
func RequireUser(c *gin.Context) (uint, bool) {
	id := GetUserID(c)
	if id == 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "code": apperr.CodeUnauthenticated})
		return 0, false
	}
	return id, true
}
