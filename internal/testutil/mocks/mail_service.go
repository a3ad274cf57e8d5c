// Package mocks holds testify mocks of service interfaces used by handler tests.
package mocks

import (
	context "context"
	time "time"

	cache "github.com/ssabro/MailVista-sub002/internal/cache"
	imap "github.com/ssabro/MailVista-sub002/internal/imap"
	models "github.com/ssabro/MailVista-sub002/internal/models"
	mock "github.com/stretchr/testify/mock"
)

// MailService is a testify mock of imap.MailService.
type MailService struct {
	mock.Mock
}

// AppendMessage provides a mock function with given fields: ctx, account, folder, flags, date, raw
func (_m *MailService) AppendMessage(ctx context.Context, account string, folder string, flags []string, date time.Time, raw []byte) error {
	ret := _m.Called(ctx, account, folder, flags, date, raw)
	return ret.Error(0)
}

// CachedPage provides a mock function with given fields: account, folder, start, limit
func (_m *MailService) CachedPage(account string, folder string, start int, limit int) *models.Page {
	ret := _m.Called(account, folder, start, limit)

	var r0 *models.Page
	if rf, ok := ret.Get(0).(func(string, string, int, int) *models.Page); ok {
		r0 = rf(account, folder, start, limit)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.Page)
	}
	return r0
}

// CacheStats provides a mock function with given fields:
func (_m *MailService) CacheStats() []cache.FolderStats {
	ret := _m.Called()

	var r0 []cache.FolderStats
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]cache.FolderStats)
	}
	return r0
}

// ClearAllCache provides a mock function with given fields:
func (_m *MailService) ClearAllCache() {
	_m.Called()
}

// CreateFolder provides a mock function with given fields: ctx, account, name
func (_m *MailService) CreateFolder(ctx context.Context, account string, name string) error {
	ret := _m.Called(ctx, account, name)
	return ret.Error(0)
}

// DeleteFolder provides a mock function with given fields: ctx, account, name
func (_m *MailService) DeleteFolder(ctx context.Context, account string, name string) error {
	ret := _m.Called(ctx, account, name)
	return ret.Error(0)
}

// DeleteMessages provides a mock function with given fields: ctx, account, folder, uids
func (_m *MailService) DeleteMessages(ctx context.Context, account string, folder string, uids []int64) error {
	ret := _m.Called(ctx, account, folder, uids)
	return ret.Error(0)
}

// Download provides a mock function with given fields: ctx, account, folder, uid
func (_m *MailService) Download(ctx context.Context, account string, folder string, uid int64) ([]byte, error) {
	ret := _m.Called(ctx, account, folder, uid)

	var r0 []byte
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]byte)
	}
	return r0, ret.Error(1)
}

// InvalidateAccount provides a mock function with given fields: account
func (_m *MailService) InvalidateAccount(account string) {
	_m.Called(account)
}

// InvalidateFolder provides a mock function with given fields: account, folder
func (_m *MailService) InvalidateFolder(account string, folder string) {
	_m.Called(account, folder)
}

// ListFolders provides a mock function with given fields: ctx, account
func (_m *MailService) ListFolders(ctx context.Context, account string) ([]*models.Folder, error) {
	ret := _m.Called(ctx, account)

	var r0 []*models.Folder
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]*models.Folder)
	}
	return r0, ret.Error(1)
}

// ListPage provides a mock function with given fields: ctx, account, folder, opts
func (_m *MailService) ListPage(ctx context.Context, account string, folder string, opts imap.PageOptions) (*models.Page, error) {
	ret := _m.Called(ctx, account, folder, opts)

	var r0 *models.Page
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.Page)
	}
	return r0, ret.Error(1)
}

// MoveMessages provides a mock function with given fields: ctx, account, folder, dest, uids
func (_m *MailService) MoveMessages(ctx context.Context, account string, folder string, dest string, uids []int64) error {
	ret := _m.Called(ctx, account, folder, dest, uids)
	return ret.Error(0)
}

// RenameFolder provides a mock function with given fields: ctx, account, oldName, newName
func (_m *MailService) RenameFolder(ctx context.Context, account string, oldName string, newName string) error {
	ret := _m.Called(ctx, account, oldName, newName)
	return ret.Error(0)
}

// Search provides a mock function with given fields: ctx, account, folder, query, opts
func (_m *MailService) Search(ctx context.Context, account string, folder string, query string, opts imap.PageOptions) (*models.Page, error) {
	ret := _m.Called(ctx, account, folder, query, opts)

	var r0 *models.Page
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*models.Page)
	}
	return r0, ret.Error(1)
}

// SetFlags provides a mock function with given fields: ctx, account, folder, uids, flags, add
func (_m *MailService) SetFlags(ctx context.Context, account string, folder string, uids []int64, flags []string, add bool) error {
	ret := _m.Called(ctx, account, folder, uids, flags, add)
	return ret.Error(0)
}

// StartIdleListener provides a mock function with given fields: ctx, account, notifier
func (_m *MailService) StartIdleListener(ctx context.Context, account string, notifier imap.Notifier) {
	_m.Called(ctx, account, notifier)
}

// NewMailService returns a mock that asserts its expectations when the test ends.
func NewMailService(t interface {
	mock.TestingT
	Cleanup(func())
}) *MailService {
	m := &MailService{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

var _ imap.MailService = (*MailService)(nil)
