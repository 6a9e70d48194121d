package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Response 统一的API响应结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func success(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "success",
		Data:    data,
	})
}

func fail(c echo.Context, status int, message string) error {
	return c.JSON(status, Response{
		Code:    status,
		Message: message,
	})
}

// instanceParams 解析路径中的 name/host/port
func instanceParams(c echo.Context) (string, string, int, error) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil {
		return "", "", 0, err
	}
	return c.Param("name"), c.Param("host"), port, nil
}
