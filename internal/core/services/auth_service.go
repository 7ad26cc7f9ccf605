package services

import (
	"context"
	"errors"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("token expired")
	ErrUnknownVehicleKey = errors.New("unknown vehicle key")
	ErrNoCredential      = errors.New("no credential supplied")
)

// Identity is the resolved connecting identity. Resolution happens once, at
// connect time; everything downstream trusts it completely.
type Identity struct {
	UserID   domain.UserID
	Role     domain.Role
	Username string
	// VehicleKey is set only for device-key connections.
	VehicleKey string
}

// AuthService resolves bearer tokens and vehicle keys into identities.
type AuthService interface {
	GenerateToken(userID domain.UserID, username string, role domain.Role) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	// Resolve turns a credential pair into an identity. An unresolvable or
	// invalid vehicle key refuses the connection, never downgrades to VIEWER.
	Resolve(ctx context.Context, token, vehicleKey string) (*Identity, error)
}

type Claims struct {
	UserID   domain.UserID `json:"userId"`
	Username string        `json:"username"`
	Role     domain.Role   `json:"role"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	devices   ports.DeviceRepository
}

func NewAuthService(jwtSecret string, devices ports.DeviceRepository) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		devices:   devices,
	}
}

func (s *authService) GenerateToken(userID domain.UserID, username string, role domain.Role) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (s *authService) Resolve(ctx context.Context, token, vehicleKey string) (*Identity, error) {
	if vehicleKey != "" {
		device, err := s.devices.FindByKey(ctx, vehicleKey)
		if err != nil {
			if errors.Is(err, domain.ErrDeviceNotFound) {
				return nil, ErrUnknownVehicleKey
			}
			return nil, err
		}
		return &Identity{
			UserID:     device.OwnerUserID,
			Role:       domain.RoleVehicle,
			Username:   device.Name,
			VehicleKey: device.Key,
		}, nil
	}

	if token == "" {
		return nil, ErrNoCredential
	}

	claims, err := s.ValidateToken(token)
	if err != nil {
		return nil, err
	}

	role := claims.Role
	if role == "" {
		role = domain.RoleViewer
	}
	return &Identity{
		UserID:   claims.UserID,
		Role:     role,
		Username: claims.Username,
	}, nil
}
