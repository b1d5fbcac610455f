package controllers

import (
	"errors"

	"github.com/kataras/iris/v12"
	"gorm.io/gorm"

	"github.com/example/shopchat/internal/datamodels/chat"
	"github.com/example/shopchat/internal/service"
)

// StatusOf 业务错误 -> HTTP 状态码
func StatusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrAnonymous), errors.Is(err, service.ErrInvalidCredentials):
		return iris.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return iris.StatusForbidden
	case errors.Is(err, gorm.ErrRecordNotFound):
		return iris.StatusNotFound
	case errors.Is(err, service.ErrEmailTaken):
		return iris.StatusConflict
	case errors.Is(err, service.ErrNoCustomer),
		errors.Is(err, service.ErrInvalidEmail),
		errors.Is(err, service.ErrDeliveryLinkRequired),
		errors.Is(err, service.ErrInvalidFee),
		errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, chat.ErrCollectiveTarget):
		return iris.StatusBadRequest
	}
	return iris.StatusInternalServerError
}

// Fail 以 {"code","msg"} 结束请求
func Fail(ctx iris.Context, err error) {
	status := StatusOf(err)
	ctx.StopWithJSON(status, iris.Map{"code": status, "msg": err.Error()})
}
