package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
)

// User represents a user account with hashed password. ID is the owner key
// the user's library is stored under.
type User struct {
	ID       string `toml:"id"`
	Username string `toml:"username"`
	Password string `toml:"password"` // Will be hashed after first load
	Role     string `toml:"role"`     // admin, user
	Created  string `toml:"created"`
}

// UserConfig represents the structure of users.toml
type UserConfig struct {
	Users []User `toml:"users"`
}

// UserStore manages user authentication and storage
type UserStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	filePath string
	cost     int
}

// NewUserStore creates a new user store and loads users from the specified file
func NewUserStore(filePath string) (*UserStore, error) {
	return newUserStore(filePath, 12)
}

func newUserStore(filePath string, cost int) (*UserStore, error) {
	store := &UserStore{
		users:    make(map[string]*User),
		filePath: filePath,
		cost:     cost,
	}

	if err := store.loadUsers(); err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}

	return store, nil
}

// loadUsers loads users from the TOML file, hashing plaintext passwords and
// assigning ids to users that lack one.
func (us *UserStore) loadUsers() error {
	if _, err := os.Stat(us.filePath); os.IsNotExist(err) {
		return us.createDefaultUser()
	}

	var config UserConfig
	if _, err := toml.DecodeFile(us.filePath, &config); err != nil {
		return fmt.Errorf("failed to parse users file: %w", err)
	}

	needsSave := false
	for i := range config.Users {
		user := config.Users[i]

		if !isHashedPassword(user.Password) {
			hashedPassword, err := us.hashPassword(user.Password)
			if err != nil {
				return fmt.Errorf("failed to hash password for user %s: %w", user.Username, err)
			}
			user.Password = hashedPassword
			needsSave = true
		}
		if user.ID == "" {
			user.ID = uuid.NewString()
			needsSave = true
		}

		us.users[user.Username] = &user
	}

	if needsSave {
		return us.saveLocked()
	}

	return nil
}

// createDefaultUser creates a default admin user if no users file exists
func (us *UserStore) createDefaultUser() error {
	password, err := generateRandomPassword(12)
	if err != nil {
		return fmt.Errorf("failed to generate default password: %w", err)
	}

	hashedPassword, err := us.hashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash default password: %w", err)
	}

	us.users["admin"] = &User{
		ID:       uuid.NewString(),
		Username: "admin",
		Password: hashedPassword,
		Role:     "admin",
		Created:  time.Now().Format("2006-01-02 15:04:05"),
	}

	if err := us.saveLocked(); err != nil {
		return err
	}

	fmt.Printf("\n"+
		"=====================================\n"+
		"DEFAULT ADMIN USER CREATED\n"+
		"=====================================\n"+
		"Username: admin\n"+
		"Password: %s\n"+
		"=====================================\n"+
		"Please change this password by editing users.toml\n\n", password)

	return nil
}

// saveLocked writes every user to the TOML file. Callers hold mu or have not
// published the store yet.
func (us *UserStore) saveLocked() error {
	usersList := make([]User, 0, len(us.users))
	for _, user := range us.users {
		usersList = append(usersList, *user)
	}
	sort.Slice(usersList, func(i, j int) bool {
		return usersList[i].Username < usersList[j].Username
	})

	if err := os.MkdirAll(filepath.Dir(us.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create users directory: %w", err)
	}
	file, err := os.OpenFile(us.filePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create users file: %w", err)
	}
	defer file.Close()

	header := `# Streamflix Users Configuration
# This file contains user accounts for the library server.
# Passwords will be automatically hashed when the server starts.
# To add a new user, add a new [[users]] section with username and password,
# or run: streamflix user add -u <username> -p <password>

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write users file header: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(UserConfig{Users: usersList}); err != nil {
		return fmt.Errorf("failed to encode users to TOML: %w", err)
	}

	return nil
}

// Authenticate returns the user when username and password match.
func (us *UserStore) Authenticate(username, password string) (*User, bool) {
	us.mu.RLock()
	user, exists := us.users[username]
	us.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, false
	}
	return user.public(), true
}

// GetUser returns a user by username (without password)
func (us *UserStore) GetUser(username string) *User {
	us.mu.RLock()
	defer us.mu.RUnlock()

	user, exists := us.users[username]
	if !exists {
		return nil
	}
	return user.public()
}

// RegisterUser adds a new user to the store
func (us *UserStore) RegisterUser(username, password, role string) (*User, error) {
	hashedPassword, err := us.hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	if role == "" {
		role = "user"
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	if _, exists := us.users[username]; exists {
		return nil, ErrUserExists
	}

	newUser := &User{
		ID:       uuid.NewString(),
		Username: username,
		Password: hashedPassword,
		Role:     role,
		Created:  time.Now().Format("2006-01-02 15:04:05"),
	}
	us.users[username] = newUser

	if err := us.saveLocked(); err != nil {
		delete(us.users, username)
		return nil, err
	}
	return newUser.public(), nil
}

// DeleteUser removes a user and returns the removed account.
func (us *UserStore) DeleteUser(username string) (*User, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	user, exists := us.users[username]
	if !exists {
		return nil, ErrUserNotFound
	}
	delete(us.users, username)

	if err := us.saveLocked(); err != nil {
		us.users[username] = user
		return nil, err
	}
	return user.public(), nil
}

// Users lists all accounts without password hashes.
func (us *UserStore) Users() []User {
	us.mu.RLock()
	defer us.mu.RUnlock()

	out := make([]User, 0, len(us.users))
	for _, user := range us.users {
		out = append(out, *user.public())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (u *User) public() *User {
	return &User{
		ID:       u.ID,
		Username: u.Username,
		Role:     u.Role,
		Created:  u.Created,
	}
}

// hashPassword hashes a plaintext password using bcrypt
func (us *UserStore) hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), us.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// isHashedPassword checks if a password string is already hashed
func isHashedPassword(password string) bool {
	// bcrypt hashes have a specific format: $2a$, $2b$, $2x$, or $2y$ followed by cost and salt
	return len(password) >= 4 &&
		password[0] == '$' &&
		password[1] == '2' &&
		(password[2] == 'a' || password[2] == 'b' || password[2] == 'x' || password[2] == 'y') &&
		password[3] == '$'
}

// generateRandomPassword generates a cryptographically secure random password
func generateRandomPassword(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes)[:length], nil
}
