package service

import (
	"errors"

	"ci-scheduler/internal/dto"
	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/jwt"
	"ci-scheduler/internal/repository"
	"ci-scheduler/pkg/constants"
	pkgErrors "ci-scheduler/pkg/errors"
)

// AuthService API 用户认证. 用户由外部系统同步, 这里只负责签发与校验 Token
type AuthService interface {
	IssueToken(username string) (*dto.TokenResponse, error)
	RefreshToken(refreshToken string) (*dto.TokenResponse, error)
	Authenticate(accessToken string) (*model.User, error)
}

type authService struct {
	tokens   *jwt.Manager
	userRepo repository.UserRepository
}

func NewAuthService(tokens *jwt.Manager, userRepo repository.UserRepository) AuthService {
	return &authService{
		tokens:   tokens,
		userRepo: userRepo,
	}
}

func (s *authService) IssueToken(username string) (*dto.TokenResponse, error) {
	user, err := s.activeUser(username)
	if err != nil {
		return nil, err
	}
	return s.issue(user)
}

func (s *authService) RefreshToken(refreshToken string) (*dto.TokenResponse, error) {
	claims, err := s.tokens.ValidateToken(refreshToken, constants.JWTTypeRefresh)
	if err != nil {
		return nil, err
	}
	user, err := s.activeUser(claims.Username)
	if err != nil {
		return nil, err
	}
	return s.issue(user)
}

// Authenticate 校验访问Token并返回当前用户
func (s *authService) Authenticate(accessToken string) (*model.User, error) {
	claims, err := s.tokens.ValidateToken(accessToken, constants.JWTTypeAccess)
	if err != nil {
		return nil, err
	}
	return s.activeUser(claims.Username)
}

func (s *authService) activeUser(username string) (*model.User, error) {
	user, err := s.userRepo.FindByUsername(username)
	if err != nil {
		if errors.Is(err, pkgErrors.ErrUserNotFound) {
			return nil, pkgErrors.ErrAuthError
		}
		return nil, err
	}
	if user.Blocked {
		return nil, pkgErrors.ErrUserDisabled
	}
	return user, nil
}

func (s *authService) issue(user *model.User) (*dto.TokenResponse, error) {
	accessToken, err := s.tokens.GenerateAccessToken(user)
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeInternalError, "生成AccessToken失败", err)
	}
	refreshToken, err := s.tokens.GenerateRefreshToken(user)
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeInternalError, "生成RefreshToken失败", err)
	}

	return &dto.TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int(s.tokens.AccessTokenExpire().Seconds()),
		User:         ToUserInfo(user),
	}, nil
}

// ToUserInfo 用户信息
func ToUserInfo(user *model.User) *dto.UserInfo {
	return &dto.UserInfo{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Admin:     user.Admin,
		CreatedAt: user.CreatedAt,
	}
}
