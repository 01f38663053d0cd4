package mapmeet

import (
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

type UsernameCallback func(username string, err error)

// CheckUsername normalizes and validates a username, then asks the backend
// whether it is taken. The answer is advisory. `CreateAccount` is authoritative.
func (self *Store) CheckUsername(username string, callback UsernameCallback) {
	username = NormalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		callback(username, err)
		return
	}
	self.api.DoesUserExist(&DoesUserExistArgs{Username: username}, NewApiCallback(func(result *ExistsResult, err error) {
		if self.closed.Load() {
			return
		}
		if err == nil && result.Exists {
			err = errors.Wrapf(ErrConflict, "username %s", username)
		}
		if err != nil {
			glog.V(LogLevelDebug).Infof("[account]check username %s = %s\n", username, err)
		}
		callback(username, err)
	}))
}

type NewAccount struct {
	Username    string
	DisplayName string
	FullName    string
	Phone       string
}

// CreateAccount creates the user record of the session user, then loads it.
// A taken username fails with `ErrConflict`.
func (self *Store) CreateAccount(newAccount *NewAccount, callback ActionCallback) {
	complete := self.complete("create account", callback)
	if self.userId == "" {
		complete(errors.Wrap(ErrAuthUnavailable, "no user id"))
		return
	}
	username := NormalizeUsername(newAccount.Username)
	if err := ValidateUsername(username); err != nil {
		complete(err)
		return
	}

	createStep := self.guard(func(done func(err error)) {
		args := &CreateUserArgs{
			UserId:      self.userId,
			Username:    username,
			DisplayName: newAccount.DisplayName,
			FullName:    newAccount.FullName,
			Phone:       newAccount.Phone,
		}
		self.api.CreateUser(args, NewApiCallback(func(result *SuccessResult, err error) {
			if err == nil && !result.Success {
				err = errors.Wrapf(ErrConflict, "username %s", username)
			}
			done(err)
		}))
	})
	loadStep := func(done func(err error)) {
		self.LoadSelf(ActionCallback(done))
	}

	runSequence([]step{createStep, loadStep}, complete)
}

// SetProfileImage uploads the image, then points the user record at its url
func (self *Store) SetProfileImage(contentType string, data []byte, callback ActionCallback) {
	complete := self.complete("set profile image", callback)
	if self.userId == "" {
		complete(errors.Wrap(ErrAuthUnavailable, "no user id"))
		return
	}
	if len(data) == 0 {
		complete(errors.Wrap(ErrInvalid, "empty image"))
		return
	}

	var pfpUrl string
	uploadStep := self.guard(func(done func(err error)) {
		upload := &UploadProfileImageArgs{
			UserId:      self.userId,
			ContentType: contentType,
			Data:        data,
		}
		self.api.UploadProfileImage(upload, NewApiCallback(func(result *UploadResult, err error) {
			if err == nil {
				pfpUrl = result.Url
			}
			done(err)
		}))
	})
	setPfpStep := self.guard(func(done func(err error)) {
		self.api.SetPfp(&SetPfpArgs{UserId: self.userId, PfpUrl: pfpUrl}, NewApiCallback(func(result *SuccessResult, err error) {
			err = successError(result, err, "pfp")
			if err == nil && self.self != nil && !self.closed.Load() {
				self.self.PfpUrl = &pfpUrl
				self.notify(CollectionSelf)
			}
			done(err)
		}))
	})

	runSequence([]step{uploadStep, setPfpStep}, complete)
}
