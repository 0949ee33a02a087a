// Package callback — callback URL, по которым провайдеры присылают
// асинхронный результат команды.
//
// URL имеет вид {base}/api/v1/callbacks/{token}, где token — JWT (HS256)
// с id экземпляра оркестрации и id команды. POST с CommandResult поднимает
// у экземпляра событие с именем id команды. Реестр действующих токенов
// хранится в Redis; использованный, отозванный или просроченный токен
// отклоняется.
package callback
